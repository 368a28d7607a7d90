package handler

import (
	"errors"
	"log"
	"strconv"

	"mailbroker/internal/config"
	"mailbroker/internal/notify"
	"mailbroker/internal/repository"
	"mailbroker/internal/service"
	"mailbroker/internal/upstream"
	"mailbroker/pkg/idgen"
	"mailbroker/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService *service.WalletService
	taskService   *service.TaskService
	registry      *upstream.Registry
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, registry *upstream.Registry, cfg *config.Config) *Handler {
	walletService := service.NewWalletService(db)
	pricingService := service.NewPricingService(repository.NewPricingRepository(db), rdb, cfg)
	notifier := notify.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.Notification)
	taskService := service.NewTaskService(
		repository.NewTaskRepository(db),
		walletService,
		registry,
		pricingService,
		notifier,
		rdb,
		cfg,
	)

	return &Handler{
		walletService: walletService,
		taskService:   taskService,
		registry:      registry,
	}
}

// writeError 业务错误映射
// 余额不足 / 任务不存在 / 任务过期返回明确的业务码，
// 其余内部错误统一收敛，不向调用方泄露内部细节
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, "可用余额不足")
	case errors.Is(err, repository.ErrWalletNotFound):
		response.BusinessError(c, response.CodeWalletNotFound, "钱包不存在")
	case errors.Is(err, repository.ErrTaskNotFound):
		response.BusinessError(c, response.CodeTaskNotFound, "未找到对应的接码任务")
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, "流水不存在")
	case errors.Is(err, service.ErrTaskExpired):
		response.BusinessError(c, response.CodeTaskExpired, "接码任务已过期")
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, "金额必须大于0")
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		response.BusinessError(c, response.CodeUpstreamError, "上游服务暂不可用，请稍后重试")
	default:
		log.Printf("[Handler] 内部错误: %v", err)
		response.ServerError(c, "服务器内部错误")
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetWallet 查询钱包余额
// GET /api/v1/wallet/balance?user_id=xxx
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	wallet, err := h.walletService.GetWallet(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":        wallet.UserID,
		"balance":        wallet.Balance,
		"frozen_balance": wallet.FrozenBalance,
		"available":      wallet.Available(),
	})
}

// ListTransactions 查询钱包流水
// GET /api/v1/wallet/transactions?user_id=xxx&type=RECHARGE&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	transType := c.Query("type")

	transactions, total, err := h.walletService.GetTransactions(c.Request.Context(), userID, transType, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTransactionDetail 按流水号查询单笔流水
// GET /api/v1/wallet/transaction?user_id=xxx&transaction_no=TXN...
func (h *Handler) GetTransactionDetail(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no 参数错误")
		return
	}

	trans, err := h.walletService.GetTransaction(c.Request.Context(), userID, transactionNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, trans)
}

// RechargeRequest 充值请求（管理后台调用）
type RechargeRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Remark string `json:"remark"`
}

// Recharge 充值
// POST /api/v1/wallet/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}

	description := req.Remark
	if description == "" {
		description = "管理员充值"
	}

	refNo := idgen.GenerateRechargeNo()
	if err := h.walletService.Recharge(c.Request.Context(), req.UserID, amount, description, refNo); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"ref_no": refNo,
	})
}

// RefundRequest 退款请求（管理后台调用）
type RefundRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	TaskID *int64 `json:"task_id"`
	Remark string `json:"remark"`
}

// Refund 退款
// POST /api/v1/wallet/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}

	description := req.Remark
	if description == "" {
		description = "管理员退款"
	}

	if err := h.walletService.Refund(c.Request.Context(), req.UserID, amount, description, req.TaskID); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "退款成功",
	})
}

// ============================================================
// 接码任务相关接口
// ============================================================

// GetEmailRequest 获取邮箱请求
type GetEmailRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	ProjectID *int64 `json:"project_id"`
	Group     string `json:"group"`
}

// GetEmail 获取临时邮箱
// POST /api/v1/task/get-email
//
// 【关键点】这是整个系统最核心的操作：
// 1. 并发安全：按用户维度的分布式锁 + 钱包行锁
// 2. 两阶段扣费：先冻结，上游成功后再确认扣费
// 3. 补偿：任何一步失败都会解冻或标记任务，残留由定时任务兜底
func (h *Handler) GetEmail(c *gin.Context) {
	var req GetEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.taskService.GetEmail(c.Request.Context(), req.UserID, &service.GetEmailRequest{
		ProjectID: req.ProjectID,
		Group:     req.Group,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// GetCodeRequest 轮询验证码请求
type GetCodeRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Email  string `json:"email" binding:"required"`
	Match  string `json:"match"`
}

// GetCode 轮询验证码
// POST /api/v1/task/get-code
func (h *Handler) GetCode(c *gin.Context) {
	var req GetCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.taskService.GetCode(c.Request.Context(), req.UserID, req.Email, req.Match)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// CheckMailRequest 查看邮件请求
type CheckMailRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Email   string `json:"email" binding:"required"`
	Mailbox string `json:"mailbox"`
}

// CheckMail 查看邮件内容
// POST /api/v1/task/check-mail
func (h *Handler) CheckMail(c *gin.Context) {
	var req CheckMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.taskService.CheckMail(c.Request.Context(), req.UserID, req.Email, req.Mailbox)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ReleaseEmailRequest 释放邮箱请求
type ReleaseEmailRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Email  string `json:"email" binding:"required"`
}

// ReleaseEmail 释放邮箱（不退费）
// POST /api/v1/task/release
func (h *Handler) ReleaseEmail(c *gin.Context) {
	var req ReleaseEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.taskService.ReleaseEmail(c.Request.Context(), req.UserID, req.Email)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ListTasks 查询任务列表
// GET /api/v1/task/list?user_id=xxx&status=ACTIVE&page=1&page_size=20
func (h *Handler) ListTasks(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	var projectID *int64
	if projectIDStr := c.Query("project_id"); projectIDStr != "" {
		id, err := strconv.ParseInt(projectIDStr, 10, 64)
		if err != nil {
			response.ParamError(c, "project_id 参数错误")
			return
		}
		projectID = &id
	}

	tasks, total, err := h.taskService.GetTasks(c.Request.Context(), userID, status, projectID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      tasks,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetTaskDetail 查询任务详情
// GET /api/v1/task/detail?user_id=xxx&task_id=xxx
func (h *Handler) GetTaskDetail(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	taskID, err := strconv.ParseInt(c.Query("task_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "task_id 参数错误")
		return
	}

	task, err := h.taskService.GetTaskDetail(c.Request.Context(), userID, taskID)
	if err != nil {
		writeError(c, err)
		return
	}

	// 附带任务关联的扣费/退款流水
	transactions, err := h.walletService.GetTaskTransactions(c.Request.Context(), task.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"task":         task,
		"transactions": transactions,
	})
}

// ============================================================
// 上游源相关接口（管理后台调用）
// ============================================================

// UpstreamHealth 检查所有上游源健康状态
// GET /api/v1/upstream/health
func (h *Handler) UpstreamHealth(c *gin.Context) {
	results := h.registry.HealthCheckAll(c.Request.Context())
	response.Success(c, gin.H{
		"sources": results,
	})
}

// RefreshUpstream 重新加载上游源配置
// POST /api/v1/upstream/refresh
func (h *Handler) RefreshUpstream(c *gin.Context) {
	if err := h.registry.Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"message": "上游源已刷新",
	})
}
