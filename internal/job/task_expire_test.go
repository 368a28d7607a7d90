package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailbroker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJobTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.EmailTask{}))
	return db
}

type recordingNotifier struct {
	events []string
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, userID int64, event string, payload map[string]interface{}) error {
	n.events = append(n.events, event)
	return n.err
}

func seedTask(t *testing.T, db *gorm.DB, task *model.EmailTask) *model.EmailTask {
	t.Helper()
	if task.Cost.IsZero() {
		task.Cost = decimal.RequireFromString("0.10")
	}
	if task.UpstreamID == 0 {
		task.UpstreamID = 1
	}
	require.NoError(t, db.Create(task).Error)
	return task
}

func loadTaskStatus(t *testing.T, db *gorm.DB, id int64) string {
	t.Helper()
	var task model.EmailTask
	require.NoError(t, db.First(&task, id).Error)
	return task.Status
}

func TestExpireTasks(t *testing.T) {
	db := setupJobTestDB(t)
	notifier := &recordingNotifier{}
	job := NewTaskExpireJob(db, notifier)
	ctx := context.Background()

	expired1 := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "a@gongxi.cc",
		Status: model.TaskStatusActive, ExpireAt: time.Now().Add(-time.Minute),
	})
	expired2 := seedTask(t, db, &model.EmailTask{
		UserID: 2, Email: "b@gongxi.cc",
		Status: model.TaskStatusActive, ExpireAt: time.Now().Add(-time.Hour),
	})
	alive := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "c@gongxi.cc",
		Status: model.TaskStatusActive, ExpireAt: time.Now().Add(10 * time.Minute),
	})
	done := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "d@gongxi.cc",
		Status: model.TaskStatusCompleted, ExpireAt: time.Now().Add(-time.Hour),
	})

	job.ExpireTasks(ctx)

	assert.Equal(t, model.TaskStatusExpired, loadTaskStatus(t, db, expired1.ID))
	assert.Equal(t, model.TaskStatusExpired, loadTaskStatus(t, db, expired2.ID))
	// 未过期和已进终态的任务不受影响
	assert.Equal(t, model.TaskStatusActive, loadTaskStatus(t, db, alive.ID))
	assert.Equal(t, model.TaskStatusCompleted, loadTaskStatus(t, db, done.ID))

	assert.Len(t, notifier.events, 2)
}

func TestExpireTasksNotifierFailureDoesNotBlock(t *testing.T) {
	db := setupJobTestDB(t)
	notifier := &recordingNotifier{err: errors.New("kafka 不可用")}
	job := NewTaskExpireJob(db, notifier)

	task := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "a@gongxi.cc",
		Status: model.TaskStatusActive, ExpireAt: time.Now().Add(-time.Minute),
	})

	// 通知失败只记日志，清理照常完成
	job.ExpireTasks(context.Background())
	assert.Equal(t, model.TaskStatusExpired, loadTaskStatus(t, db, task.ID))
}

func TestExpireTasksNothingToDo(t *testing.T) {
	db := setupJobTestDB(t)
	notifier := &recordingNotifier{}
	job := NewTaskExpireJob(db, notifier)

	job.ExpireTasks(context.Background())
	assert.Empty(t, notifier.events)
}
