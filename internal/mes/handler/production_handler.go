package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// ProductionHandler 报工处理器
type ProductionHandler struct {
	svc *service.ProductionService
}

func NewProductionHandler(svc *service.ProductionService) *ProductionHandler {
	return &ProductionHandler{svc: svc}
}

// Log 记录报工
// POST /api/v1/mes/work-orders/:id/production-events
func (h *ProductionHandler) Log(c *gin.Context) {
	workOrderID := c.Param("id")
	var req service.LogProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	event, batch, err := h.svc.LogProduction(c.Request.Context(), workOrderID, &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, gin.H{
		"event": event,
		"batch": batch,
	})
}

// List 报工记录列表
// GET /api/v1/mes/work-orders/:id/production-events
func (h *ProductionHandler) List(c *gin.Context) {
	workOrderID := c.Param("id")
	page, pageSize := GetPagination(c)

	items, total, err := h.svc.ListEvents(c.Request.Context(), workOrderID, page, pageSize)
	if err != nil {
		InternalError(c, "获取报工记录失败: "+err.Error())
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

// Import 从CSV批量导入报工（GBK编码）
// POST /api/v1/mes/work-orders/:id/production-events/import
func (h *ProductionHandler) Import(c *gin.Context) {
	workOrderID := c.Param("id")

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传CSV文件")
		return
	}
	defer file.Close()

	result, err := h.svc.ImportProductionEvents(c.Request.Context(), workOrderID, file, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, result)
}
