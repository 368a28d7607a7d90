package repository

import (
	"context"
	"errors"
	"time"

	"mailbroker/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTaskNotFound      = errors.New("接码任务不存在")
	ErrTaskStatusInvalid = errors.New("任务状态不合法")
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.EmailTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*model.EmailTask, error) {
	var task model.EmailTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) GetByIDAndUser(ctx context.Context, id, userID int64) (*model.EmailTask, error) {
	var task model.EmailTask
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// GetLatestByUserEmail 查询某用户某邮箱的最新一条指定状态任务
// 正常情况下同一 (user, email) 最多只有一条 ACTIVE 任务，
// 以 created_at 倒序取最新一条兜底
func (r *TaskRepository) GetLatestByUserEmail(ctx context.Context, userID int64, email string, statuses ...string) (*model.EmailTask, error) {
	var task model.EmailTask
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND email = ? AND status IN ?", userID, email, statuses).
		Order("created_at DESC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// UpdateStatus 状态守卫更新
// WHERE status = fromStatus 防止并发的清理任务和用户请求重复处理同一任务
func (r *TaskRepository) UpdateStatus(ctx context.Context, id int64, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrTaskStatusInvalid
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	now := time.Now()
	updates["completed_at"] = &now
	for k, v := range extra {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).
		Model(&model.EmailTask{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTaskStatusInvalid
	}

	return nil
}

// UpdateMailContent 保存最近一封邮件的摘要，不改变任务状态
func (r *TaskRepository) UpdateMailContent(ctx context.Context, id int64, subject, content string) error {
	return r.db.WithContext(ctx).
		Model(&model.EmailTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"mail_subject": subject,
			"mail_content": content,
		}).Error
}

// GetExpiredActive 查询已过期的 ACTIVE 任务，限制批量大小防止内存爆炸
func (r *TaskRepository) GetExpiredActive(ctx context.Context, limit int) ([]*model.EmailTask, error) {
	var tasks []*model.EmailTask
	err := r.db.WithContext(ctx).
		Select("id", "user_id", "email").
		Where("status = ? AND expire_at < ?", model.TaskStatusActive, time.Now()).
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// BatchExpire 将一批任务置为 EXPIRED（一条 SQL），状态守卫防止重复处理
func (r *TaskRepository) BatchExpire(ctx context.Context, ids []int64) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.EmailTask{}).
		Where("id IN ? AND status = ?", ids, model.TaskStatusActive).
		Updates(map[string]interface{}{
			"status":       model.TaskStatusExpired,
			"completed_at": &now,
		})
	return result.RowsAffected, result.Error
}

// ForceExpireBefore 强制过期 expire_at 早于 cutoff 的 ACTIVE 任务
// 兜底处理时钟异常或 bug 导致的卡死任务
func (r *TaskRepository) ForceExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.EmailTask{}).
		Where("status = ? AND expire_at < ?", model.TaskStatusActive, cutoff).
		Updates(map[string]interface{}{
			"status":       model.TaskStatusExpired,
			"completed_at": &now,
		})
	return result.RowsAffected, result.Error
}

// GetFailedWithCost 查询近期失败且有扣费的任务，用于解冻残留冻结金额
// 只处理 completedAt 在 [from, to) 窗口内的任务
func (r *TaskRepository) GetFailedWithCost(ctx context.Context, from, to time.Time, limit int) ([]*model.EmailTask, error) {
	var tasks []*model.EmailTask
	err := r.db.WithContext(ctx).
		Select("id", "user_id", "cost").
		Where("status = ? AND cost > 0 AND completed_at >= ? AND completed_at < ?",
			model.TaskStatusFailed, from, to).
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepository) ListByUserID(ctx context.Context, userID int64, status string, projectID *int64, page, pageSize int) ([]*model.EmailTask, int64, error) {
	var tasks []*model.EmailTask
	var total int64

	query := r.db.WithContext(ctx).Model(&model.EmailTask{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if projectID != nil {
		query = query.Where("project_id = ?", *projectID)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}
