package model

import (
	"time"
)

const (
	UpstreamStatusActive   = "ACTIVE"
	UpstreamStatusDisabled = "DISABLED"
)

// UpstreamSource 上游邮箱源配置表
// 管理后台维护，修改后通过 registry 刷新生效
type UpstreamSource struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);not null" json:"name"`
	Type      string    `gorm:"type:varchar(32);not null" json:"type"`    // 适配器类型，如 gongxi
	BaseURL   string    `gorm:"type:varchar(256);not null" json:"base_url"`
	APIKey    string    `gorm:"type:varchar(128)" json:"-"`
	Status    string    `gorm:"type:varchar(20);index;not null;default:ACTIVE" json:"status"`
	Priority  int       `gorm:"not null;default:0" json:"priority"` // 数值越大越优先
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UpstreamSource) TableName() string {
	return "upstream_source"
}
