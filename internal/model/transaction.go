package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeRecharge = "RECHARGE" // 充值
	TransactionTypeConsume  = "CONSUME"  // 消费（确认扣费）
	TransactionTypeRefund   = "REFUND"   // 退款
	TransactionTypeFreeze   = "FREEZE"   // 冻结（预扣费）
	TransactionTypeUnfreeze = "UNFREEZE" // 解冻
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// Transaction 钱包流水表
// 记录钱包的每一笔资金变动，是对账和争议处理的唯一依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 金额带符号：冻结/消费为负，充值/退款/解冻为正
// 3. 记录交易前后的总余额快照 —— 冻结/解冻只移动冻结金额，
//    balance_before 与 balance_after 相等
type Transaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64           `gorm:"index;not null" json:"user_id"`                               // 用户ID
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`                       // 交易类型
	Amount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`                   // 金额（带符号）
	BalanceBefore decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"balance_before"`           // 交易前总余额
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"balance_after"`            // 交易后总余额
	Description   string          `gorm:"type:varchar(256)" json:"description"`                        // 备注
	RelatedTaskID *int64          `gorm:"index" json:"related_task_id"`                                // 关联接码任务ID
	RefNo         string          `gorm:"type:varchar(64)" json:"ref_no"`                              // 外部参考号（充值单号等）
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "wallet_transaction"
}
