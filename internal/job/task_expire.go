package job

import (
	"context"
	"log"
	"time"

	"mailbroker/internal/model"
	"mailbroker/internal/notify"
	"mailbroker/internal/repository"

	"gorm.io/gorm"
)

// TaskExpireJob 过期任务清理
// 高频扫描 ACTIVE 且已过 expire_at 的任务，批量置为 EXPIRED 后逐个通知用户。
// 通知失败只记日志，不重试，不影响清理本身
type TaskExpireJob struct {
	db        *gorm.DB
	taskRepo  *repository.TaskRepository
	notifier  notify.Notifier
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewTaskExpireJob(db *gorm.DB, notifier notify.Notifier) *TaskExpireJob {
	return &TaskExpireJob{
		db:        db,
		taskRepo:  repository.NewTaskRepository(db),
		notifier:  notifier,
		stopCh:    make(chan struct{}),
		interval:  5 * time.Minute,
		batchSize: 1000,
	}
}

func (j *TaskExpireJob) Start(ctx context.Context) {
	log.Println("[TaskExpireJob] 过期任务清理启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[TaskExpireJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[TaskExpireJob] 任务停止")
			return
		case <-ticker.C:
			j.ExpireTasks(ctx)
		}
	}
}

func (j *TaskExpireJob) Stop() {
	close(j.stopCh)
}

// ExpireTasks 单轮清理
func (j *TaskExpireJob) ExpireTasks(ctx context.Context) {
	tasks, err := j.taskRepo.GetExpiredActive(ctx, j.batchSize)
	if err != nil {
		log.Printf("[TaskExpireJob] 查询过期任务失败: %v", err)
		return
	}

	if len(tasks) == 0 {
		return
	}

	log.Printf("[TaskExpireJob] 发现 %d 个过期任务", len(tasks))

	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}

	// 一条 SQL 批量置为 EXPIRED，状态守卫挡掉并发已处理的行
	updated, err := j.taskRepo.BatchExpire(ctx, ids)
	if err != nil {
		log.Printf("[TaskExpireJob] 批量标记过期失败: %v", err)
		return
	}

	for _, task := range tasks {
		if err := j.notifier.Notify(ctx, task.UserID, notify.EventTaskUpdate, map[string]interface{}{
			"task_id": task.ID,
			"status":  model.TaskStatusExpired,
			"email":   task.Email,
		}); err != nil {
			log.Printf("[TaskExpireJob] 通知用户失败: userID=%d, taskId=%d, err=%v", task.UserID, task.ID, err)
		}
	}

	log.Printf("[TaskExpireJob] 本轮标记 %d 个过期任务", updated)
}
