package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TaskStatusActive    = "ACTIVE"    // 等待验证码
	TaskStatusCompleted = "COMPLETED" // 已收到验证码
	TaskStatusExpired   = "EXPIRED"   // 超时未完成
	TaskStatusReleased  = "RELEASED"  // 用户主动释放（不退费）
	TaskStatusFailed    = "FAILED"    // 扣费确认失败，等待清理任务解冻
)

// ValidTaskTransitions 任务状态机
// ACTIVE 是唯一的非终态，其余状态均不可再变更
var ValidTaskTransitions = map[string][]string{
	TaskStatusActive: {TaskStatusCompleted, TaskStatusExpired, TaskStatusReleased, TaskStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidTaskTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// EmailTask 接码任务表
// 一行对应一次临时邮箱的获取，创建时即完成冻结扣费
type EmailTask struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64           `gorm:"index;not null" json:"user_id"`
	ProjectID    *int64          `gorm:"index" json:"project_id"`                          // 所属项目（可选）
	UpstreamID   int64           `gorm:"not null" json:"upstream_id"`                      // 提供邮箱的上游源
	Email        string          `gorm:"type:varchar(128);index;not null" json:"email"`    // 分配的临时邮箱
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Cost         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"cost"`          // 本次扣费金额
	VerifyCode   string          `gorm:"type:varchar(64)" json:"verify_code"`              // 捕获到的验证码
	MatchPattern string          `gorm:"type:varchar(64)" json:"match_pattern"`            // 使用的匹配模式
	MailSubject  string          `gorm:"type:varchar(256)" json:"mail_subject"`            // 最近一封邮件主题
	MailContent  string          `gorm:"type:text" json:"mail_content"`                    // 最近一封邮件正文
	ExpireAt     time.Time       `gorm:"index;not null" json:"expire_at"`                  // 任务过期时间
	CompletedAt  *time.Time      `json:"completed_at"`                                     // 进入终态的时间
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EmailTask) TableName() string {
	return "email_task"
}
