package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// Handlers MES处理器集合
type Handlers struct {
	WorkOrder  *WorkOrderHandler
	Batch      *BatchHandler
	Production *ProductionHandler
	QC         *QCHandler
	Dispatch   *DispatchHandler
	Dashboard  *DashboardHandler
}

// NewHandlers 创建MES处理器集合
func NewHandlers(
	woSvc *service.WorkOrderService,
	batchSvc *service.BatchService,
	productionSvc *service.ProductionService,
	qcSvc *service.QCService,
	dispatchSvc *service.DispatchService,
	rollupSvc *service.RollupService,
	dashboardSvc *service.DashboardService,
) *Handlers {
	return &Handlers{
		WorkOrder:  NewWorkOrderHandler(woSvc, rollupSvc),
		Batch:      NewBatchHandler(batchSvc),
		Production: NewProductionHandler(productionSvc),
		QC:         NewQCHandler(qcSvc),
		Dispatch:   NewDispatchHandler(dispatchSvc),
		Dashboard:  NewDashboardHandler(dashboardSvc),
	}
}

// === 响应辅助函数（与PLM/SRM保持一致） ===

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// RespondError 按业务错误类型映射HTTP错误码
// 校验类→40000，关卡未放行→40300，数量超限→40901，并发冲突→40900，
// 一致性破坏→50000，未识别的错误一律按内部错误处理
func RespondError(c *gin.Context, err error) {
	var (
		validationErr  *service.ValidationError
		gateErr        *service.GateNotSatisfiedError
		quantityErr    *service.QuantityExceededError
		concurrencyErr *service.ConcurrencyConflictError
		consistencyErr *service.ConsistencyViolation
		completionErr  *service.CompletionBlockedError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		NotFound(c, "记录不存在")
	case errors.As(err, &validationErr):
		BadRequest(c, validationErr.Error())
	case errors.As(err, &completionErr):
		BadRequest(c, completionErr.Error())
	case errors.As(err, &gateErr):
		Forbidden(c, gateErr.Error())
	case errors.As(err, &quantityErr):
		Error(c, 40901, quantityErr.Error())
	case errors.As(err, &concurrencyErr):
		Conflict(c, concurrencyErr.Error())
	case errors.As(err, &consistencyErr):
		InternalError(c, consistencyErr.Error())
	default:
		InternalError(c, err.Error())
	}
}

func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}
