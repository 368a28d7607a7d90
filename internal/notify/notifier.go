package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"mailbroker/internal/model"
	"mailbroker/internal/repository"
)

// 通知事件类型
const (
	EventNewMail     = "new_mail"     // 收到验证码
	EventTaskUpdate  = "task_update"  // 任务状态变化
	EventWalletEvent = "wallet_event" // 余额变动
)

// Notifier 通知发送接口
// 尽力而为：调用方发送失败时只记录日志，不影响主流程
type Notifier interface {
	Notify(ctx context.Context, userID int64, event string, payload map[string]interface{}) error
}

// OutboxNotifier 基于通知发件箱的实现
// 事件先写入 notification_outbox，由 OutboxSender 异步投递到 Kafka
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewOutboxNotifier(outboxRepo *repository.OutboxRepository, topic string) *OutboxNotifier {
	return &OutboxNotifier{
		outboxRepo: outboxRepo,
		topic:      topic,
	}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID int64, event string, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"user_id": userID,
		"event":   event,
		"payload": payload,
	}
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: strconv.FormatInt(userID, 10),
		Topic:      n.topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return n.outboxRepo.Create(ctx, nil, msg)
}
