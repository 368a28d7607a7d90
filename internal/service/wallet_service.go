package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"mailbroker/internal/model"
	"mailbroker/internal/repository"
	"mailbroker/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrInvalidAmount = errors.New("金额必须大于0")

// WalletService 钱包账本
// 唯一允许修改 balance / frozen_balance 的组件，
// 每个操作都是一个事务：行锁 -> 校验 -> 条件更新 -> 写流水，
// 流水写入失败时整体回滚，余额和审计记录永远一致
type WalletService struct {
	db              *gorm.DB
	walletRepo      *repository.WalletRepository
	transactionRepo *repository.TransactionRepository
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{
		db:              db,
		walletRepo:      repository.NewWalletRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// GetWallet 查询钱包，首次访问时懒创建
func (s *WalletService) GetWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID)
}

// Freeze 冻结金额（预扣费）
//
// 冻结只移动 frozen_balance，总余额不变，
// 流水的 balance_before 和 balance_after 相等
func (s *WalletService) Freeze(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if wallet.Available().LessThan(amount) {
			return repository.ErrInsufficientBalance
		}

		// 条件更新在写入时重新校验可用余额，这一步才是并发安全的关键，
		// 行锁外的竞争写入也无法突破 frozen_balance <= balance
		if err := s.walletRepo.Freeze(ctx, tx, userID, amount); err != nil {
			return err
		}

		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Type:          model.TransactionTypeFreeze,
			Amount:        amount.Neg(),
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance,
			Description:   description,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})
}

// ConfirmDeduct 确认扣费：把一笔冻结转为永久扣减
// 校验失败说明出现了 bug 或竞态，必须大声记录，绝不自动重试
func (s *WalletService) ConfirmDeduct(ctx context.Context, userID int64, amount decimal.Decimal, description string, taskID *int64) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if wallet.FrozenBalance.LessThan(amount) || wallet.Balance.LessThan(amount) {
			return repository.ErrLedgerInconsistency
		}

		if err := s.walletRepo.ConfirmDeduct(ctx, tx, userID, amount); err != nil {
			return err
		}

		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Type:          model.TransactionTypeConsume,
			Amount:        amount.Neg(),
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Sub(amount),
			Description:   description,
			RelatedTaskID: taskID,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})

	if errors.Is(err, repository.ErrLedgerInconsistency) {
		log.Printf("[WalletService] 账本异常: 确认扣费失败, userID=%d, amount=%s, desc=%s",
			userID, amount.String(), description)
	}

	return err
}

// Unfreeze 解冻金额
//
// 解冻金额收敛到 min(amount, frozenBalance)，保证冻结金额不会变负；
// 收敛后为零时记日志直接返回，补偿流程可以放心地重复调用
func (s *WalletService) Unfreeze(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		unfreezeAmount := amount
		if wallet.FrozenBalance.LessThan(unfreezeAmount) {
			unfreezeAmount = wallet.FrozenBalance
		}

		if unfreezeAmount.LessThanOrEqual(decimal.Zero) {
			log.Printf("[WalletService] 解冻金额为零，跳过: userID=%d, amount=%s, frozen=%s",
				userID, amount.String(), wallet.FrozenBalance.String())
			return nil
		}

		if err := s.walletRepo.Unfreeze(ctx, tx, userID, unfreezeAmount); err != nil {
			return err
		}

		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Type:          model.TransactionTypeUnfreeze,
			Amount:        unfreezeAmount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance,
			Description:   description,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})
}

// Recharge 充值
func (s *WalletService) Recharge(ctx context.Context, userID int64, amount decimal.Decimal, description, refNo string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	if _, err := s.walletRepo.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if err := s.walletRepo.AddBalance(ctx, tx, userID, amount); err != nil {
			return err
		}

		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Type:          model.TransactionTypeRecharge,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Add(amount),
			Description:   description,
			RefNo:         refNo,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})
}

// Refund 退款：事后补回可用余额，不触碰冻结金额
func (s *WalletService) Refund(ctx context.Context, userID int64, amount decimal.Decimal, description string, taskID *int64) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if err := s.walletRepo.AddBalance(ctx, tx, userID, amount); err != nil {
			return err
		}

		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Type:          model.TransactionTypeRefund,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Add(amount),
			Description:   description,
			RelatedTaskID: taskID,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return nil
	})
}

// GetTransaction 按流水号查询单笔流水
// 流水号是对外可见的凭证，必须校验归属，防止越权查询
func (s *WalletService) GetTransaction(ctx context.Context, userID int64, transactionNo string) (*model.Transaction, error) {
	trans, err := s.transactionRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, err
	}
	if trans.UserID != userID {
		return nil, repository.ErrTransactionNotFound
	}
	return trans, nil
}

// GetTaskTransactions 查询任务关联的流水，用于任务详情展示扣费记录
func (s *WalletService) GetTaskTransactions(ctx context.Context, taskID int64) ([]*model.Transaction, error) {
	return s.transactionRepo.GetByRelatedTaskID(ctx, taskID)
}

// GetTransactions 分页查询流水
func (s *WalletService) GetTransactions(ctx context.Context, userID int64, transType string, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByUserID(ctx, userID, transType, page, pageSize)
}
