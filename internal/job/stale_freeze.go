package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"mailbroker/internal/repository"
	"mailbroker/internal/service"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StaleFreezeJob 异常冻结清理
//
// 低频兜底，处理两类残留：
//  1. 过期很久仍是 ACTIVE 的任务 —— 时钟异常或 bug 导致卡死，强制过期并告警
//  2. FAILED 任务残留的冻结金额 —— 确认扣费和同步解冻都失败后遗留，
//     核对钱包实际冻结金额后解冻
type StaleFreezeJob struct {
	db         *gorm.DB
	taskRepo   *repository.TaskRepository
	walletRepo *repository.WalletRepository
	walletSvc  *service.WalletService
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	graceHours int
}

func NewStaleFreezeJob(db *gorm.DB, walletSvc *service.WalletService) *StaleFreezeJob {
	return &StaleFreezeJob{
		db:         db,
		taskRepo:   repository.NewTaskRepository(db),
		walletRepo: repository.NewWalletRepository(db),
		walletSvc:  walletSvc,
		stopCh:     make(chan struct{}),
		interval:   time.Hour,
		batchSize:  100,
		graceHours: 2,
	}
}

func (j *StaleFreezeJob) Start(ctx context.Context) {
	log.Println("[StaleFreezeJob] 异常冻结清理启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleFreezeJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StaleFreezeJob] 任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *StaleFreezeJob) Stop() {
	close(j.stopCh)
}

// Sweep 单轮清理
func (j *StaleFreezeJob) Sweep(ctx context.Context) {
	j.forceExpireStuckTasks(ctx)
	j.unfreezeFailedTasks(ctx)
}

// forceExpireStuckTasks 强制过期超过宽限期仍 ACTIVE 的任务
func (j *StaleFreezeJob) forceExpireStuckTasks(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(j.graceHours) * time.Hour)
	count, err := j.taskRepo.ForceExpireBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[StaleFreezeJob] 强制过期失败: %v", err)
		return
	}

	if count > 0 {
		// 正常情况下高频清理早就处理掉了，走到这里说明上游系统有异常
		log.Printf("[StaleFreezeJob] 警告：已强制标记 %d 个异常任务为过期", count)
	}
}

// unfreezeFailedTasks 解冻 FAILED 任务残留的冻结金额
// 只处理最近24小时内、至少1小时前失败的任务，
// 并先核对钱包当前是否仍有冻结余额，避免重复解冻
func (j *StaleFreezeJob) unfreezeFailedTasks(ctx context.Context) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now.Add(-1 * time.Hour)

	tasks, err := j.taskRepo.GetFailedWithCost(ctx, from, to, j.batchSize)
	if err != nil {
		log.Printf("[StaleFreezeJob] 查询失败任务失败: %v", err)
		return
	}

	for _, task := range tasks {
		wallet, err := j.walletRepo.GetByUserID(ctx, task.UserID)
		if err != nil {
			log.Printf("[StaleFreezeJob] 查询钱包失败: userID=%d, err=%v", task.UserID, err)
			continue
		}

		if wallet.FrozenBalance.LessThanOrEqual(decimal.Zero) {
			continue
		}

		desc := fmt.Sprintf("定时清理：解冻失败任务 #%d 的冻结金额", task.ID)
		if err := j.walletSvc.Unfreeze(ctx, task.UserID, task.Cost, desc); err != nil {
			log.Printf("[StaleFreezeJob] 解冻残留冻结失败: taskId=%d, err=%v", task.ID, err)
			continue
		}

		log.Printf("[StaleFreezeJob] 已解冻残留冻结: userID=%d, amount=%s, taskId=%d",
			task.UserID, task.Cost.String(), task.ID)
	}
}
