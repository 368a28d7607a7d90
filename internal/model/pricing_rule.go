package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PricingStatusActive   = "ACTIVE"
	PricingStatusDisabled = "DISABLED"
)

// PricingRule 计费规则表
// 每次获取邮箱前查询一次当前生效的默认单价
type PricingRule struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string          `gorm:"type:varchar(64);not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"` // 单次接码价格
	IsDefault bool            `gorm:"not null;default:false" json:"is_default"`
	Status    string          `gorm:"type:varchar(20);index;not null;default:ACTIVE" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PricingRule) TableName() string {
	return "pricing_rule"
}
