package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// DispatchHandler 装箱发货处理器
type DispatchHandler struct {
	svc *service.DispatchService
}

func NewDispatchHandler(svc *service.DispatchService) *DispatchHandler {
	return &DispatchHandler{svc: svc}
}

// Pack 装箱
// POST /api/v1/mes/batches/:id/cartons
func (h *DispatchHandler) Pack(c *gin.Context) {
	batchID := c.Param("id")
	var req service.PackCartonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	carton, err := h.svc.PackCarton(c.Request.Context(), batchID, &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, carton)
}

// ListCartons 批次箱单列表
// GET /api/v1/mes/batches/:id/cartons
func (h *DispatchHandler) ListCartons(c *gin.Context) {
	batchID := c.Param("id")
	items, err := h.svc.ListCartons(c.Request.Context(), batchID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// ValidateDispatchRequest 发货校验请求
type ValidateDispatchRequest struct {
	WorkOrderID string  `json:"work_order_id" binding:"required"`
	Quantity    float64 `json:"quantity"`
}

// Validate 发货校验干跑，不创建发货单
// POST /api/v1/mes/batches/:id/dispatches/validate
func (h *DispatchHandler) Validate(c *gin.Context) {
	batchID := c.Param("id")
	var req ValidateDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	if err := h.svc.ValidateDispatch(c.Request.Context(), batchID, req.WorkOrderID, req.Quantity); err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"allowed": true})
}

// Create 发货
// POST /api/v1/mes/batches/:id/dispatches
func (h *DispatchHandler) Create(c *gin.Context) {
	batchID := c.Param("id")
	var req service.CreateDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	dispatch, err := h.svc.CreateDispatch(c.Request.Context(), batchID, &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, dispatch)
}

// ListBatchDispatches 批次发货记录
// GET /api/v1/mes/batches/:id/dispatches
func (h *DispatchHandler) ListBatchDispatches(c *gin.Context) {
	batchID := c.Param("id")
	items, err := h.svc.ListBatchDispatches(c.Request.Context(), batchID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// ListWorkOrderDispatches 工单发货记录
// GET /api/v1/mes/work-orders/:id/dispatches
func (h *DispatchHandler) ListWorkOrderDispatches(c *gin.Context) {
	workOrderID := c.Param("id")
	items, err := h.svc.ListDispatches(c.Request.Context(), workOrderID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}
