package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet 用户钱包表
// 记录用户的预付费余额，是整个计费系统的核心数据
//
// 【不变量】0 <= frozen_balance <= balance
// 可用余额 = balance - frozen_balance
type Wallet struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64           `gorm:"uniqueIndex;not null" json:"user_id"`                    // 用户ID，业务方传入
	Balance       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"balance"`   // 总余额
	FrozenBalance decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"frozen_balance"` // 冻结金额（预扣费占用）
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// Available 可用余额
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.FrozenBalance)
}
