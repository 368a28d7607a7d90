package repository

import (
	"context"
	"errors"

	"mailbroker/internal/model"

	"gorm.io/gorm"
)

type PricingRepository struct {
	db *gorm.DB
}

func NewPricingRepository(db *gorm.DB) *PricingRepository {
	return &PricingRepository{db: db}
}

// GetDefaultActive 查询当前生效的默认计费规则，没有配置时返回 nil
func (r *PricingRepository) GetDefaultActive(ctx context.Context) (*model.PricingRule, error) {
	var rule model.PricingRule
	err := r.db.WithContext(ctx).
		Where("is_default = ? AND status = ?", true, model.PricingStatusActive).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}
