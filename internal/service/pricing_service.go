package service

import (
	"context"
	"log"
	"time"

	"mailbroker/internal/config"
	"mailbroker/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const (
	unitPriceCacheKey = "pricing:unit_price"
	unitPriceCacheTTL = 60 * time.Second
)

// PricingService 计费单价来源
// 每次获取邮箱前查询一次，带 60 秒 Redis 缓存减轻数据库压力
type PricingService struct {
	pricingRepo *repository.PricingRepository
	redisClient *redis.Client
	cfg         *config.Config
}

func NewPricingService(pricingRepo *repository.PricingRepository, redisClient *redis.Client, cfg *config.Config) *PricingService {
	return &PricingService{
		pricingRepo: pricingRepo,
		redisClient: redisClient,
		cfg:         cfg,
	}
}

// GetUnitPrice 当前生效的接码单价
// 没有配置计费规则时使用配置文件中的兜底单价
func (s *PricingService) GetUnitPrice(ctx context.Context) decimal.Decimal {
	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, unitPriceCacheKey).Result()
		if err == nil {
			if price, parseErr := decimal.NewFromString(cached); parseErr == nil {
				return price
			}
		}
	}

	price := s.fallbackPrice()
	rule, err := s.pricingRepo.GetDefaultActive(ctx)
	if err != nil {
		log.Printf("[PricingService] 查询计费规则失败，使用兜底单价 %s: %v", price.String(), err)
		return price
	}
	if rule != nil {
		price = rule.Price
	}

	if s.redisClient != nil {
		if err := s.redisClient.Set(ctx, unitPriceCacheKey, price.String(), unitPriceCacheTTL).Err(); err != nil {
			log.Printf("[PricingService] 写入单价缓存失败: %v", err)
		}
	}

	return price
}

func (s *PricingService) fallbackPrice() decimal.Decimal {
	if s.cfg != nil && s.cfg.Business.DefaultUnitPrice != "" {
		if price, err := decimal.NewFromString(s.cfg.Business.DefaultUnitPrice); err == nil {
			return price
		}
	}
	return decimal.NewFromFloat(0.10)
}
