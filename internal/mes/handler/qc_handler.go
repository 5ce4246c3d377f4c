package handler

import (
	"io"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// QCHandler 质检处理器
type QCHandler struct {
	svc *service.QCService
}

func NewQCHandler(svc *service.QCService) *QCHandler {
	return &QCHandler{svc: svc}
}

// List 检验单列表
// GET /api/v1/mes/qc-records?work_order_id=xxx&batch_id=xxx&gate_type=xxx&result=xxx
func (h *QCHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := map[string]string{
		"work_order_id": c.Query("work_order_id"),
		"batch_id":      c.Query("batch_id"),
		"gate_type":     c.Query("gate_type"),
		"result":        c.Query("result"),
	}

	items, total, err := h.svc.ListRecords(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		InternalError(c, "获取检验单列表失败: "+err.Error())
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

// Get 检验单详情
// GET /api/v1/mes/qc-records/:id
func (h *QCHandler) Get(c *gin.Context) {
	id := c.Param("id")
	record, err := h.svc.GetRecord(c.Request.Context(), id)
	if err != nil {
		NotFound(c, "检验单不存在")
		return
	}
	Success(c, record)
}

// Open 手工立检验单
// POST /api/v1/mes/qc-records
func (h *QCHandler) Open(c *gin.Context) {
	var req service.OpenQCRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.svc.OpenRecord(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, record)
}

// Finalize 终结检验单并同步批次关卡
// POST /api/v1/mes/qc-records/:id/finalize
func (h *QCHandler) Finalize(c *gin.Context) {
	id := c.Param("id")
	var req service.FinalizeQCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.svc.FinalizeRecord(c.Request.Context(), id, &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, record)
}

// UploadReport 上传检验报告
// POST /api/v1/mes/qc-records/:id/report
func (h *QCHandler) UploadReport(c *gin.Context) {
	id := c.Param("id")

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "File is required: "+err.Error())
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	record, err := h.svc.UploadReport(c.Request.Context(), id, header.Filename, file, header.Size, contentType, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, record)
}

// DownloadReport 下载检验报告
// GET /api/v1/mes/qc-records/:id/report
func (h *QCHandler) DownloadReport(c *gin.Context) {
	id := c.Param("id")

	reader, record, err := h.svc.DownloadReport(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename="+record.QCCode+".pdf")
	c.Header("Content-Type", "application/octet-stream")

	io.Copy(c.Writer, reader)
}
