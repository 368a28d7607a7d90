package service

import (
	"context"
	"sync"
	"testing"

	"mailbroker/internal/model"
	"mailbroker/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupWalletTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}))
	return db
}

func seedWallet(t *testing.T, db *gorm.DB, userID int64, balance, frozen string) {
	t.Helper()
	err := db.Create(&model.Wallet{
		UserID:        userID,
		Balance:       decimal.RequireFromString(balance),
		FrozenBalance: decimal.RequireFromString(frozen),
	}).Error
	require.NoError(t, err)
}

func loadWallet(t *testing.T, db *gorm.DB, userID int64) *model.Wallet {
	t.Helper()
	var wallet model.Wallet
	require.NoError(t, db.Where("user_id = ?", userID).First(&wallet).Error)
	return &wallet
}

func loadTransactions(t *testing.T, db *gorm.DB, userID int64, transType string) []*model.Transaction {
	t.Helper()
	var list []*model.Transaction
	query := db.Where("user_id = ?", userID)
	if transType != "" {
		query = query.Where("type = ?", transType)
	}
	require.NoError(t, query.Order("id ASC").Find(&list).Error)
	return list
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got),
		"期望 %s，实际 %s", want, got.String())
}

func TestWalletFreeze(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "10.00", "0")

	err := svc.Freeze(ctx, 1, decimal.RequireFromString("0.10"), "获取邮箱 - 预扣费")
	require.NoError(t, err)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "10.00", wallet.Balance)
	assertDecimal(t, "0.10", wallet.FrozenBalance)
	assertDecimal(t, "9.90", wallet.Available())

	// 冻结只移动冻结金额，流水前后总余额相等
	transactions := loadTransactions(t, db, 1, model.TransactionTypeFreeze)
	require.Len(t, transactions, 1)
	assertDecimal(t, "-0.10", transactions[0].Amount)
	assertDecimal(t, "10.00", transactions[0].BalanceBefore)
	assertDecimal(t, "10.00", transactions[0].BalanceAfter)
	assert.NotEmpty(t, transactions[0].TransactionNo)
}

func TestWalletFreezeInsufficientBalance(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "5.00", "0")

	err := svc.Freeze(ctx, 1, decimal.RequireFromString("5.01"), "超额冻结")
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	// 失败后钱包不变，也没有流水
	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "5.00", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)
	assert.Empty(t, loadTransactions(t, db, 1, ""))
}

func TestWalletFreezeCountsExistingFrozen(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	// 可用余额 = 10.00 - 9.95 = 0.05，不够再冻 0.10
	seedWallet(t, db, 1, "10.00", "9.95")

	err := svc.Freeze(ctx, 1, decimal.RequireFromString("0.10"), "冻结")
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "9.95", wallet.FrozenBalance)
}

func TestWalletFreezeInvalidAmount(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "10.00", "0")

	assert.ErrorIs(t, svc.Freeze(ctx, 1, decimal.Zero, "零额冻结"), ErrInvalidAmount)
	assert.ErrorIs(t, svc.Freeze(ctx, 1, decimal.RequireFromString("-0.10"), "负额冻结"), ErrInvalidAmount)
}

func TestWalletConfirmDeduct(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "10.00", "0.10")
	taskID := int64(99)

	err := svc.ConfirmDeduct(ctx, 1, decimal.RequireFromString("0.10"), "获取邮箱: a@b.com", &taskID)
	require.NoError(t, err)

	// 确认扣费同时减少总余额和冻结金额
	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "9.90", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)

	transactions := loadTransactions(t, db, 1, model.TransactionTypeConsume)
	require.Len(t, transactions, 1)
	assertDecimal(t, "-0.10", transactions[0].Amount)
	assertDecimal(t, "10.00", transactions[0].BalanceBefore)
	assertDecimal(t, "9.90", transactions[0].BalanceAfter)
	require.NotNil(t, transactions[0].RelatedTaskID)
	assert.Equal(t, taskID, *transactions[0].RelatedTaskID)
}

func TestWalletConfirmDeductWithoutFreeze(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	// 冻结金额不足以覆盖扣费，属于账本异常
	seedWallet(t, db, 1, "10.00", "0.05")

	err := svc.ConfirmDeduct(ctx, 1, decimal.RequireFromString("0.10"), "异常扣费", nil)
	assert.ErrorIs(t, err, repository.ErrLedgerInconsistency)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "10.00", wallet.Balance)
	assertDecimal(t, "0.05", wallet.FrozenBalance)
	assert.Empty(t, loadTransactions(t, db, 1, ""))
}

func TestWalletUnfreeze(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "10.00", "0.10")

	err := svc.Unfreeze(ctx, 1, decimal.RequireFromString("0.10"), "获取邮箱失败 - 退还冻结")
	require.NoError(t, err)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "10.00", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)

	transactions := loadTransactions(t, db, 1, model.TransactionTypeUnfreeze)
	require.Len(t, transactions, 1)
	assertDecimal(t, "0.10", transactions[0].Amount)
	assertDecimal(t, "10.00", transactions[0].BalanceBefore)
	assertDecimal(t, "10.00", transactions[0].BalanceAfter)
}

func TestWalletUnfreezeClampsToFrozen(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	// 请求解冻 0.10，实际只冻了 0.05，应收敛到 0.05
	seedWallet(t, db, 1, "10.00", "0.05")

	err := svc.Unfreeze(ctx, 1, decimal.RequireFromString("0.10"), "补偿解冻")
	require.NoError(t, err)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "0", wallet.FrozenBalance)

	transactions := loadTransactions(t, db, 1, model.TransactionTypeUnfreeze)
	require.Len(t, transactions, 1)
	assertDecimal(t, "0.05", transactions[0].Amount)

	// 重复解冻收敛到零，直接跳过，不报错也不写流水
	err = svc.Unfreeze(ctx, 1, decimal.RequireFromString("0.10"), "重复解冻")
	require.NoError(t, err)
	assert.Len(t, loadTransactions(t, db, 1, model.TransactionTypeUnfreeze), 1)
}

func TestWalletRecharge(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	// 充值前没有钱包记录，应自动懒创建
	err := svc.Recharge(ctx, 42, decimal.RequireFromString("50.00"), "首次充值", "RCH20260901000001")
	require.NoError(t, err)

	wallet := loadWallet(t, db, 42)
	assertDecimal(t, "50.00", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)

	transactions := loadTransactions(t, db, 42, model.TransactionTypeRecharge)
	require.Len(t, transactions, 1)
	assertDecimal(t, "50.00", transactions[0].Amount)
	assertDecimal(t, "0", transactions[0].BalanceBefore)
	assertDecimal(t, "50.00", transactions[0].BalanceAfter)
	assert.Equal(t, "RCH20260901000001", transactions[0].RefNo)
}

func TestWalletRefundLeavesFrozenUntouched(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "9.90", "0.10")
	taskID := int64(7)

	err := svc.Refund(ctx, 1, decimal.RequireFromString("0.10"), "人工退款", &taskID)
	require.NoError(t, err)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "10.00", wallet.Balance)
	assertDecimal(t, "0.10", wallet.FrozenBalance)

	transactions := loadTransactions(t, db, 1, model.TransactionTypeRefund)
	require.Len(t, transactions, 1)
	assertDecimal(t, "0.10", transactions[0].Amount)
	require.NotNil(t, transactions[0].RelatedTaskID)
	assert.Equal(t, taskID, *transactions[0].RelatedTaskID)
}

func TestWalletRepeatedFreezeCannotOverdraw(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "1.00", "0")
	unitPrice := decimal.RequireFromString("0.10")

	// 余额 1.00、单价 0.10，第 11 次起必须全部失败
	succeeded := 0
	for i := 0; i < 15; i++ {
		err := svc.Freeze(ctx, 1, unitPrice, "连续冻结")
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	}
	assert.Equal(t, 10, succeeded)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "1.00", wallet.Balance)
	assertDecimal(t, "1.00", wallet.FrozenBalance)
	assert.Len(t, loadTransactions(t, db, 1, model.TransactionTypeFreeze), 10)
}

func TestWalletTransactionSnapshotsConsistent(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	amount := decimal.RequireFromString("0.10")
	require.NoError(t, svc.Recharge(ctx, 1, decimal.RequireFromString("10.00"), "充值", "RCH1"))
	require.NoError(t, svc.Freeze(ctx, 1, amount, "冻结"))
	require.NoError(t, svc.ConfirmDeduct(ctx, 1, amount, "扣费", nil))
	require.NoError(t, svc.Freeze(ctx, 1, amount, "冻结"))
	require.NoError(t, svc.Unfreeze(ctx, 1, amount, "解冻"))
	require.NoError(t, svc.Refund(ctx, 1, amount, "退款", nil))

	// 每笔流水的余额快照必须自洽：
	// 冻结/解冻前后相等，其余类型 after - before = amount
	for _, trans := range loadTransactions(t, db, 1, "") {
		switch trans.Type {
		case model.TransactionTypeFreeze, model.TransactionTypeUnfreeze:
			assert.True(t, trans.BalanceBefore.Equal(trans.BalanceAfter),
				"流水 %s 类型 %s 前后余额应相等", trans.TransactionNo, trans.Type)
		default:
			assert.True(t, trans.BalanceAfter.Sub(trans.BalanceBefore).Equal(trans.Amount),
				"流水 %s 类型 %s 余额变化应等于金额", trans.TransactionNo, trans.Type)
		}
	}

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "10.00", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)
}

func TestWalletConcurrentFreezeCannotOverdraw(t *testing.T) {
	db := setupWalletTestDB(t)

	// 内存 sqlite 每个连接是独立的数据库，并发场景必须收敛到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc := NewWalletService(db)
	ctx := context.Background()
	seedWallet(t, db, 1, "1.00", "0")
	unitPrice := decimal.RequireFromString("0.10")

	errCh := make(chan error, 15)
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- svc.Freeze(ctx, 1, unitPrice, "并发冻结")
		}()
	}
	wg.Wait()
	close(errCh)

	succeeded := 0
	for err := range errCh {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	}
	assert.Equal(t, 10, succeeded)

	wallet := loadWallet(t, db, 1)
	assertDecimal(t, "1.00", wallet.Balance)
	assertDecimal(t, "1.00", wallet.FrozenBalance)
	assert.Len(t, loadTransactions(t, db, 1, model.TransactionTypeFreeze), 10)
}

func TestWalletGetTransaction(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	seedWallet(t, db, 1, "10.00", "0.10")
	taskID := int64(7)
	require.NoError(t, svc.ConfirmDeduct(ctx, 1, decimal.RequireFromString("0.10"), "获取邮箱: a@b.com", &taskID))

	consumes := loadTransactions(t, db, 1, model.TransactionTypeConsume)
	require.Len(t, consumes, 1)

	// 按流水号查询
	trans, err := svc.GetTransaction(ctx, 1, consumes[0].TransactionNo)
	require.NoError(t, err)
	assert.Equal(t, consumes[0].ID, trans.ID)

	// 其他用户拿着流水号不能越权查询
	_, err = svc.GetTransaction(ctx, 2, consumes[0].TransactionNo)
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)

	_, err = svc.GetTransaction(ctx, 1, "TXN00000000000000000000")
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)

	// 按任务查询关联流水
	list, err := svc.GetTaskTransactions(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.TransactionTypeConsume, list[0].Type)
}

func TestGetWalletLazyCreate(t *testing.T) {
	db := setupWalletTestDB(t)
	svc := NewWalletService(db)
	ctx := context.Background()

	wallet, err := svc.GetWallet(ctx, 100)
	require.NoError(t, err)
	assertDecimal(t, "0", wallet.Balance)
	assertDecimal(t, "0", wallet.FrozenBalance)

	// 再次访问返回同一条记录
	again, err := svc.GetWallet(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, wallet.ID, again.ID)

	var count int64
	require.NoError(t, db.Model(&model.Wallet{}).Where("user_id = ?", 100).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
