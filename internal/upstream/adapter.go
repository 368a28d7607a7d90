package upstream

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable 上游不可用，触发补偿（解冻）而不是原地重试
var ErrUpstreamUnavailable = errors.New("上游邮箱源不可用")

// MailMessage 单封邮件
type MailMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	Date    string `json:"date"`
}

// GetEmailResult 获取邮箱的返回
type GetEmailResult struct {
	Email string `json:"email"`
	ID    int64  `json:"id"`
}

// GetMailResult 拉取邮件的返回
type GetMailResult struct {
	Email    string        `json:"email"`
	Mailbox  string        `json:"mailbox"`
	Count    int           `json:"count"`
	Messages []MailMessage `json:"messages"`
	Method   string        `json:"method"`
}

// EmailInfo 上游侧邮箱清单项
type EmailInfo struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Group  string `json:"group"`
}

// Adapter 上游邮箱源适配器
// 所有调用都是网络 IO，必须带 context 以便超时取消
type Adapter interface {
	// GetEmail 获取一个可用邮箱
	GetEmail(ctx context.Context, group string) (*GetEmailResult, error)

	// GetMailNew 获取最新邮件（完整内容）
	GetMailNew(ctx context.Context, email, mailbox string) (*GetMailResult, error)

	// GetMailText 获取最新邮件纯文本，match 为验证码匹配模式
	// 没有命中验证码时返回空字符串，不算错误
	GetMailText(ctx context.Context, email, match string) (string, error)

	// GetMailAll 获取所有邮件
	GetMailAll(ctx context.Context, email, mailbox string) (*GetMailResult, error)

	// ClearMailbox 清空邮箱
	ClearMailbox(ctx context.Context, email, mailbox string) error

	// ListEmails 列出上游可用邮箱
	ListEmails(ctx context.Context, group string) ([]EmailInfo, error)

	// HealthCheck 健康检查
	HealthCheck(ctx context.Context) bool
}
