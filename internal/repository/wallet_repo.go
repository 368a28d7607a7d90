package repository

import (
	"context"
	"errors"

	"mailbroker/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound      = errors.New("钱包不存在")
	ErrInsufficientBalance = errors.New("可用余额不足")
	ErrLedgerInconsistency = errors.New("钱包余额或冻结金额异常")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByUserIDForUpdate 行锁查询钱包
// 所有余额变更操作必须先通过本方法取得行锁，锁在事务提交时释放
func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Freeze 冻结金额
//
// 【关键点】WHERE 条件在写入时重新校验可用余额，
// 即使行锁之外有并发写入，最终也不会出现冻结超过总余额的情况
func (r *WalletRepository) Freeze(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND balance >= frozen_balance + ?", userID, amount).
		Update("frozen_balance", gorm.Expr("frozen_balance + ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}

	return nil
}

// ConfirmDeduct 确认扣费：同时扣减总余额和冻结金额
// WHERE 条件保证两者都不会被扣成负数
func (r *WalletRepository) ConfirmDeduct(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND frozen_balance >= ? AND balance >= ?", userID, amount, amount).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - ?", amount),
			"frozen_balance": gorm.Expr("frozen_balance - ?", amount),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLedgerInconsistency
	}

	return nil
}

// Unfreeze 解冻金额，只减少冻结金额，总余额不变
// 调用方必须先在行锁内把 amount 收敛到不超过当前冻结金额
func (r *WalletRepository) Unfreeze(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND frozen_balance >= ?", userID, amount).
		Update("frozen_balance", gorm.Expr("frozen_balance - ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLedgerInconsistency
	}

	return nil
}

// AddBalance 增加总余额（充值 / 退款）
func (r *WalletRepository) AddBalance(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

// GetOrCreate 懒创建钱包：首次访问时插入零余额记录
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}

	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{
		UserID:        userID,
		Balance:       decimal.Zero,
		FrozenBalance: decimal.Zero,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
