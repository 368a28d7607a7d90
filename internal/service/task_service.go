package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"mailbroker/internal/config"
	"mailbroker/internal/infrastructure/lock"
	"mailbroker/internal/model"
	"mailbroker/internal/notify"
	"mailbroker/internal/repository"
	"mailbroker/internal/upstream"
	"mailbroker/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

var (
	ErrTaskExpired = errors.New("接码任务已过期")
)

// defaultMatchPattern 默认验证码匹配模式：4-8 位数字
const defaultMatchPattern = `\d{4,8}`

const maxMatchPatternLength = 50

// safePatternRegexp 匹配模式白名单：字符类和有界量词
// 用户自定义模式先过白名单再编译，杜绝恶意模式拖垮上游匹配
var safePatternRegexp = regexp.MustCompile(`^[\\\[\]0-9a-zA-Z.\-\s{},+*?|^$]+$`)

// AdapterProvider 上游适配器来源
type AdapterProvider interface {
	GetAdapter(upstreamID int64) (int64, upstream.Adapter, error)
}

// UnitPriceSource 计费单价来源
type UnitPriceSource interface {
	GetUnitPrice(ctx context.Context) decimal.Decimal
}

// TaskService 接码任务编排
//
// 获取邮箱是一个两阶段扣费流程：
//
//	冻结费用 -> 调用上游取邮箱 -> 创建任务 -> 确认扣费
//
// 任一步失败都有对应的补偿动作，补偿失败由定时清理任务兜底。
// 冻结和确认扣费是两个独立事务，钱包行锁不会跨上游网络调用持有
type TaskService struct {
	taskRepo    *repository.TaskRepository
	walletSvc   *WalletService
	adapters    AdapterProvider
	pricing     UnitPriceSource
	notifier    notify.Notifier
	redisClient *redis.Client
	cfg         *config.Config
}

func NewTaskService(
	taskRepo *repository.TaskRepository,
	walletSvc *WalletService,
	adapters AdapterProvider,
	pricing UnitPriceSource,
	notifier notify.Notifier,
	redisClient *redis.Client,
	cfg *config.Config,
) *TaskService {
	return &TaskService{
		taskRepo:    taskRepo,
		walletSvc:   walletSvc,
		adapters:    adapters,
		pricing:     pricing,
		notifier:    notifier,
		redisClient: redisClient,
		cfg:         cfg,
	}
}

type GetEmailRequest struct {
	ProjectID *int64
	Group     string
}

type GetEmailResult struct {
	TaskID   int64           `json:"task_id"`
	Email    string          `json:"email"`
	ExpireAt time.Time       `json:"expire_at"`
	Cost     decimal.Decimal `json:"cost"`
}

// GetEmail 获取一个临时邮箱
func (s *TaskService) GetEmail(ctx context.Context, userID int64, req *GetEmailRequest) (*GetEmailResult, error) {
	// 同一用户的获取请求串行化，防止重复提交叠加冻结
	if s.redisClient != nil {
		acquireLock := lock.NewAcquireLock(s.redisClient, userID, idgen.GenerateTaskRefNo())
		if err := acquireLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer acquireLock.Unlock(ctx)
	}

	unitPrice := s.pricing.GetUnitPrice(ctx)

	// 冻结费用（freeze 内部有余额校验和行锁，无需单独查余额）
	if err := s.walletSvc.Freeze(ctx, userID, unitPrice, "获取邮箱 - 预扣费"); err != nil {
		return nil, err
	}

	result, err := s.acquireAndConfirm(ctx, userID, req, unitPrice)
	if err != nil {
		if errors.Is(err, repository.ErrLedgerInconsistency) {
			// 确认扣费失败时不能贸然解冻：扣费可能已经落库，
			// 留给每小时的清理任务核对钱包实际冻结金额后处理
			return nil, err
		}
		// 上游失败，尽力解冻；解冻失败同样交给清理任务兜底
		if unfreezeErr := s.walletSvc.Unfreeze(ctx, userID, unitPrice, "获取邮箱失败 - 退还冻结"); unfreezeErr != nil {
			log.Printf("[TaskService] 补偿解冻失败: userID=%d, amount=%s, err=%v",
				userID, unitPrice.String(), unfreezeErr)
		}
		return nil, err
	}

	return result, nil
}

// acquireAndConfirm 冻结之后的主流程：取邮箱、建任务、确认扣费
func (s *TaskService) acquireAndConfirm(ctx context.Context, userID int64, req *GetEmailRequest, unitPrice decimal.Decimal) (*GetEmailResult, error) {
	upstreamID, adapter, err := s.adapters.GetAdapter(0)
	if err != nil {
		return nil, err
	}

	emailResult, err := adapter.GetEmail(ctx, req.Group)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(s.taskTTLMinutes()) * time.Minute
	task := &model.EmailTask{
		UserID:     userID,
		ProjectID:  req.ProjectID,
		UpstreamID: upstreamID,
		Email:      emailResult.Email,
		Status:     model.TaskStatusActive,
		Cost:       unitPrice,
		ExpireAt:   time.Now().Add(ttl),
	}
	if err := s.taskRepo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	if err := s.walletSvc.ConfirmDeduct(ctx, userID, unitPrice,
		fmt.Sprintf("获取邮箱: %s", emailResult.Email), &task.ID); err != nil {
		// 标记 FAILED 防止产生免费的孤儿任务
		log.Printf("[TaskService] 确认扣费失败: taskId=%d, err=%v", task.ID, err)
		if markErr := s.taskRepo.UpdateStatus(ctx, task.ID, model.TaskStatusActive, model.TaskStatusFailed, nil); markErr != nil {
			log.Printf("[TaskService] 标记任务失败也失败了: taskId=%d, err=%v", task.ID, markErr)
		}
		return nil, err
	}

	return &GetEmailResult{
		TaskID:   task.ID,
		Email:    task.Email,
		ExpireAt: task.ExpireAt,
		Cost:     task.Cost,
	}, nil
}

func (s *TaskService) taskTTLMinutes() int {
	if s.cfg != nil && s.cfg.Business.TaskTTLMinutes > 0 {
		return s.cfg.Business.TaskTTLMinutes
	}
	return 30
}

type GetCodeResult struct {
	TaskID  int64  `json:"task_id"`
	Email   string `json:"email"`
	Code    string `json:"code"`
	Found   bool   `json:"found"`
	Message string `json:"message,omitempty"`
}

// GetCode 轮询验证码
// 没有收到验证码不是错误，任务保持 ACTIVE，调用方稍后重试
func (s *TaskService) GetCode(ctx context.Context, userID int64, email, match string) (*GetCodeResult, error) {
	task, err := s.taskRepo.GetLatestByUserEmail(ctx, userID, email, model.TaskStatusActive)
	if err != nil {
		return nil, err
	}

	if task.ExpireAt.Before(time.Now()) {
		if err := s.taskRepo.UpdateStatus(ctx, task.ID, model.TaskStatusActive, model.TaskStatusExpired, nil); err != nil {
			log.Printf("[TaskService] 标记任务过期失败: taskId=%d, err=%v", task.ID, err)
		}
		return nil, ErrTaskExpired
	}

	_, adapter, err := s.adapters.GetAdapter(task.UpstreamID)
	if err != nil {
		return nil, err
	}

	pattern := SanitizeMatchPattern(match)
	code, err := adapter.GetMailText(ctx, task.Email, pattern)
	if err != nil {
		return nil, err
	}

	if code == "" {
		return &GetCodeResult{
			TaskID:  task.ID,
			Email:   task.Email,
			Message: "暂未收到验证码，请稍后重试",
		}, nil
	}

	err = s.taskRepo.UpdateStatus(ctx, task.ID, model.TaskStatusActive, model.TaskStatusCompleted, map[string]interface{}{
		"verify_code":   code,
		"match_pattern": pattern,
	})
	if err != nil {
		return nil, err
	}

	if notifyErr := s.notifier.Notify(ctx, userID, notify.EventNewMail, map[string]interface{}{
		"task_id": task.ID,
		"email":   task.Email,
		"code":    code,
	}); notifyErr != nil {
		log.Printf("[TaskService] 推送验证码通知失败: taskId=%d, err=%v", task.ID, notifyErr)
	}

	return &GetCodeResult{
		TaskID: task.ID,
		Email:  task.Email,
		Code:   code,
		Found:  true,
	}, nil
}

type CheckMailResult struct {
	TaskID   int64                  `json:"task_id"`
	Email    string                 `json:"email"`
	Mailbox  string                 `json:"mailbox"`
	Count    int                    `json:"count"`
	Messages []upstream.MailMessage `json:"messages"`
}

// CheckMail 查看邮件内容，同时保存最近一封邮件摘要
func (s *TaskService) CheckMail(ctx context.Context, userID int64, email, mailbox string) (*CheckMailResult, error) {
	task, err := s.taskRepo.GetLatestByUserEmail(ctx, userID, email,
		model.TaskStatusActive, model.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}

	_, adapter, err := s.adapters.GetAdapter(task.UpstreamID)
	if err != nil {
		return nil, err
	}

	mailResult, err := adapter.GetMailNew(ctx, task.Email, mailbox)
	if err != nil {
		return nil, err
	}

	if len(mailResult.Messages) > 0 {
		latest := mailResult.Messages[0]
		content := latest.Text
		if content == "" {
			content = latest.HTML
		}
		if err := s.taskRepo.UpdateMailContent(ctx, task.ID, latest.Subject, content); err != nil {
			log.Printf("[TaskService] 保存邮件摘要失败: taskId=%d, err=%v", task.ID, err)
		}
	}

	return &CheckMailResult{
		TaskID:   task.ID,
		Email:    task.Email,
		Mailbox:  mailResult.Mailbox,
		Count:    mailResult.Count,
		Messages: mailResult.Messages,
	}, nil
}

type ReleaseEmailResult struct {
	TaskID int64  `json:"task_id"`
	Email  string `json:"email"`
}

// ReleaseEmail 释放邮箱
// 不退费：获取邮箱时上游资源已被占用且费用已经结算
func (s *TaskService) ReleaseEmail(ctx context.Context, userID int64, email string) (*ReleaseEmailResult, error) {
	task, err := s.taskRepo.GetLatestByUserEmail(ctx, userID, email, model.TaskStatusActive)
	if err != nil {
		return nil, err
	}

	if err := s.taskRepo.UpdateStatus(ctx, task.ID, model.TaskStatusActive, model.TaskStatusReleased, nil); err != nil {
		return nil, err
	}

	return &ReleaseEmailResult{
		TaskID: task.ID,
		Email:  task.Email,
	}, nil
}

// GetTasks 分页查询任务列表
func (s *TaskService) GetTasks(ctx context.Context, userID int64, status string, projectID *int64, page, pageSize int) ([]*model.EmailTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.taskRepo.ListByUserID(ctx, userID, status, projectID, page, pageSize)
}

// GetTaskDetail 查询任务详情
func (s *TaskService) GetTaskDetail(ctx context.Context, userID, taskID int64) (*model.EmailTask, error) {
	return s.taskRepo.GetByIDAndUser(ctx, taskID, userID)
}

// SanitizeMatchPattern 用户自定义匹配模式白名单校验
// 不合法或过长的模式静默退回默认的数字验证码模式，不报错
func SanitizeMatchPattern(match string) string {
	if match == "" {
		return defaultMatchPattern
	}

	if len(match) > maxMatchPatternLength {
		return defaultMatchPattern
	}

	if !safePatternRegexp.MatchString(match) {
		log.Printf("[TaskService] 不安全的匹配模式被拒绝: %s", match)
		return defaultMatchPattern
	}

	if _, err := regexp.Compile(match); err != nil {
		return defaultMatchPattern
	}

	return match
}
