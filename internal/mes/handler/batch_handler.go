package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// BatchHandler 生产批次处理器
type BatchHandler struct {
	svc *service.BatchService
}

func NewBatchHandler(svc *service.BatchService) *BatchHandler {
	return &BatchHandler{svc: svc}
}

// List 工单批次列表
// GET /api/v1/mes/work-orders/:id/batches
func (h *BatchHandler) List(c *gin.Context) {
	workOrderID := c.Param("id")
	items, err := h.svc.ListBatches(c.Request.Context(), workOrderID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// Current 取当前批次，必要时按触发规则开新批次
// POST /api/v1/mes/work-orders/:id/batches/current
func (h *BatchHandler) Current(c *gin.Context) {
	workOrderID := c.Param("id")
	batch, err := h.svc.GetOrCreateCurrentBatch(c.Request.Context(), workOrderID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, batch)
}

// Get 批次详情
// GET /api/v1/mes/batches/:id
func (h *BatchHandler) Get(c *gin.Context) {
	id := c.Param("id")
	batch, err := h.svc.GetBatch(c.Request.Context(), id)
	if err != nil {
		NotFound(c, "批次不存在")
		return
	}
	Success(c, batch)
}

// CompleteProductionRequest 批次报完工请求
type CompleteProductionRequest struct {
	CompletedQty float64 `json:"completed_qty"`
	Reason       string  `json:"reason"`
}

// CompleteProduction 批次报完工
// POST /api/v1/mes/batches/:id/complete-production
func (h *BatchHandler) CompleteProduction(c *gin.Context) {
	id := c.Param("id")
	var req CompleteProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	batch, err := h.svc.CompleteBatchProduction(c.Request.Context(), id, req.CompletedQty, GetUserID(c), req.Reason)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, batch)
}

// CloseBatchRequest 手工关批请求
type CloseBatchRequest struct {
	Reason string `json:"reason"`
}

// Close 手工关闭批次
// POST /api/v1/mes/batches/:id/close
func (h *BatchHandler) Close(c *gin.Context) {
	id := c.Param("id")
	var req CloseBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	batch, err := h.svc.CloseBatch(c.Request.Context(), id, GetUserID(c), req.Reason)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, batch)
}
