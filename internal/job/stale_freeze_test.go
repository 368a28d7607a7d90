package job

import (
	"context"
	"testing"
	"time"

	"mailbroker/internal/model"
	"mailbroker/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedJobWallet(t *testing.T, db *gorm.DB, userID int64, balance, frozen string) {
	t.Helper()
	err := db.Create(&model.Wallet{
		UserID:        userID,
		Balance:       decimal.RequireFromString(balance),
		FrozenBalance: decimal.RequireFromString(frozen),
	}).Error
	require.NoError(t, err)
}

func loadJobWallet(t *testing.T, db *gorm.DB, userID int64) *model.Wallet {
	t.Helper()
	var wallet model.Wallet
	require.NoError(t, db.Where("user_id = ?", userID).First(&wallet).Error)
	return &wallet
}

func completedAgo(d time.Duration) *time.Time {
	ts := time.Now().Add(-d)
	return &ts
}

func TestSweepUnfreezesFailedTask(t *testing.T) {
	db := setupJobTestDB(t)
	job := NewStaleFreezeJob(db, service.NewWalletService(db))
	ctx := context.Background()

	// 确认扣费失败的任务遗留了 0.10 冻结金额
	seedJobWallet(t, db, 1, "10.00", "0.10")
	seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "a@gongxi.cc",
		Status:      model.TaskStatusFailed,
		ExpireAt:    time.Now().Add(-3 * time.Hour),
		CompletedAt: completedAgo(2 * time.Hour),
	})

	job.Sweep(ctx)

	wallet := loadJobWallet(t, db, 1)
	assert.True(t, wallet.FrozenBalance.IsZero(), "冻结金额应被解冻，实际 %s", wallet.FrozenBalance)
	assert.True(t, decimal.RequireFromString("10.00").Equal(wallet.Balance))

	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).
		Where("user_id = ? AND type = ?", 1, model.TransactionTypeUnfreeze).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSweepSkipsWalletWithoutFrozen(t *testing.T) {
	db := setupJobTestDB(t)
	job := NewStaleFreezeJob(db, service.NewWalletService(db))

	// 冻结已经被同步补偿过，清理任务不能重复解冻
	seedJobWallet(t, db, 1, "10.00", "0")
	seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "a@gongxi.cc",
		Status:      model.TaskStatusFailed,
		ExpireAt:    time.Now().Add(-3 * time.Hour),
		CompletedAt: completedAgo(2 * time.Hour),
	})

	job.Sweep(context.Background())

	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSweepHonorsFailureWindow(t *testing.T) {
	db := setupJobTestDB(t)
	job := NewStaleFreezeJob(db, service.NewWalletService(db))

	// 10 分钟前才失败的任务还在窗口外，留给下一轮
	seedJobWallet(t, db, 1, "10.00", "0.10")
	seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "a@gongxi.cc",
		Status:      model.TaskStatusFailed,
		ExpireAt:    time.Now().Add(-time.Hour),
		CompletedAt: completedAgo(10 * time.Minute),
	})

	job.Sweep(context.Background())

	wallet := loadJobWallet(t, db, 1)
	assert.True(t, decimal.RequireFromString("0.10").Equal(wallet.FrozenBalance))
}

func TestSweepForceExpiresStuckTasks(t *testing.T) {
	db := setupJobTestDB(t)
	job := NewStaleFreezeJob(db, service.NewWalletService(db))

	stuck := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "stuck@gongxi.cc",
		Status:   model.TaskStatusActive,
		ExpireAt: time.Now().Add(-3 * time.Hour),
	})
	// 过期不足宽限期的任务由高频清理处理，这里不碰
	recent := seedTask(t, db, &model.EmailTask{
		UserID: 1, Email: "recent@gongxi.cc",
		Status:   model.TaskStatusActive,
		ExpireAt: time.Now().Add(-30 * time.Minute),
	})

	job.Sweep(context.Background())

	assert.Equal(t, model.TaskStatusExpired, loadTaskStatus(t, db, stuck.ID))
	assert.Equal(t, model.TaskStatusActive, loadTaskStatus(t, db, recent.ID))
}
