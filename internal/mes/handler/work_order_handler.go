package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// WorkOrderHandler 工单处理器
type WorkOrderHandler struct {
	svc    *service.WorkOrderService
	rollup *service.RollupService
}

func NewWorkOrderHandler(svc *service.WorkOrderService, rollup *service.RollupService) *WorkOrderHandler {
	return &WorkOrderHandler{svc: svc, rollup: rollup}
}

// List 工单列表
// GET /api/v1/mes/work-orders?status=xxx&completed=true&search=xxx&due_before=xxx
func (h *WorkOrderHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := map[string]string{
		"status":     c.Query("status"),
		"completed":  c.Query("completed"),
		"search":     c.Query("search"),
		"due_before": c.Query("due_before"),
	}

	items, total, err := h.svc.ListWorkOrders(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		InternalError(c, "获取工单列表失败: "+err.Error())
		return
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	Success(c, ListResponse{
		Items: items,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages,
		},
	})
}

// Get 工单详情（含批次列表）
// GET /api/v1/mes/work-orders/:id
func (h *WorkOrderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	wo, err := h.svc.GetWorkOrder(c.Request.Context(), id)
	if err != nil {
		NotFound(c, "工单不存在")
		return
	}
	Success(c, wo)
}

// Create 创建工单
// POST /api/v1/mes/work-orders
func (h *WorkOrderHandler) Create(c *gin.Context) {
	var req service.CreateWorkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	wo, err := h.svc.CreateWorkOrder(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, wo)
}

// Update 更新工单基础信息
// PUT /api/v1/mes/work-orders/:id
func (h *WorkOrderHandler) Update(c *gin.Context) {
	id := c.Param("id")
	var req service.UpdateWorkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	wo, err := h.svc.UpdateWorkOrder(c.Request.Context(), id, &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, wo)
}

// ReviseQuantityRequest 修订订单数量请求
type ReviseQuantityRequest struct {
	OrderedQty float64 `json:"ordered_qty" binding:"required"`
}

// ReviseQuantity 修订订单数量
// PUT /api/v1/mes/work-orders/:id/quantity
func (h *WorkOrderHandler) ReviseQuantity(c *gin.Context) {
	id := c.Param("id")
	var req ReviseQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	wo, err := h.svc.ReviseOrderedQty(c.Request.Context(), id, req.OrderedQty, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, wo)
}

// GetStatus 工单状态快照（带缓存）
// GET /api/v1/mes/work-orders/:id/status
func (h *WorkOrderHandler) GetStatus(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.rollup.GetStatus(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, snap)
}

// CheckCompletion 完工前置检查
// GET /api/v1/mes/work-orders/:id/completion-check
func (h *WorkOrderHandler) CheckCompletion(c *gin.Context) {
	id := c.Param("id")
	check, err := h.rollup.CheckCompletion(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, check)
}

// Complete 工单完工（单向）
// POST /api/v1/mes/work-orders/:id/complete
func (h *WorkOrderHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	wo, err := h.rollup.MarkComplete(c.Request.Context(), id, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, wo)
}

// Activities 工单操作日志
// GET /api/v1/mes/work-orders/:id/activities
func (h *WorkOrderHandler) Activities(c *gin.Context) {
	id := c.Param("id")
	page, pageSize := GetPagination(c)

	items, total, err := h.svc.GetActivities(c.Request.Context(), id, page, pageSize)
	if err != nil {
		RespondError(c, err)
		return
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	Success(c, ListResponse{
		Items: items,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages,
		},
	})
}

// Export 导出工单台账Excel
// GET /api/v1/mes/work-orders/export?status=xxx&completed=true
func (h *WorkOrderHandler) Export(c *gin.Context) {
	filters := map[string]string{
		"status":    c.Query("status"),
		"completed": c.Query("completed"),
		"search":    c.Query("search"),
	}

	f, filename, err := h.svc.ExportRegister(c.Request.Context(), filters)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}
