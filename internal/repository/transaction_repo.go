package repository

import (
	"context"
	"errors"

	"mailbroker/internal/model"

	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("流水不存在")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水，必须与余额变更在同一事务内
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetByRelatedTaskID 查询任务关联的全部流水（扣费、退款）
func (r *TransactionRepository) GetByRelatedTaskID(ctx context.Context, taskID int64) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("related_task_id = ?", taskID).
		Order("created_at ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, transType string, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)
	if transType != "" {
		query = query.Where("type = ?", transType)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
