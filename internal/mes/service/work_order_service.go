package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkOrderService 工单服务
type WorkOrderService struct {
	woRepo       *repository.WorkOrderRepository
	activityRepo *repository.ActivityLogRepository
	rollup       *RollupService
	db           *gorm.DB
}

func NewWorkOrderService(
	woRepo *repository.WorkOrderRepository,
	activityRepo *repository.ActivityLogRepository,
	rollup *RollupService,
	db *gorm.DB,
) *WorkOrderService {
	return &WorkOrderService{
		woRepo:       woRepo,
		activityRepo: activityRepo,
		rollup:       rollup,
		db:           db,
	}
}

// CreateWorkOrderRequest 创建工单请求
type CreateWorkOrderRequest struct {
	ItemCode   string     `json:"item_code" binding:"required"`
	ItemName   string     `json:"item_name"`
	OrderedQty float64    `json:"ordered_qty" binding:"required"`
	DueDate    *time.Time `json:"due_date"`
	Notes      string     `json:"notes"`
}

// CreateWorkOrder 创建工单，初始状态pending，批次在首次报工时才开
func (s *WorkOrderService) CreateWorkOrder(ctx context.Context, req *CreateWorkOrderRequest, operatorID string) (*entity.WorkOrder, error) {
	if req.OrderedQty <= 0 {
		return nil, &ValidationError{Field: "ordered_qty", Reason: "订单数量必须大于零"}
	}

	code, err := s.woRepo.GenerateCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成工单编码失败: %w", err)
	}

	now := time.Now()
	wo := &entity.WorkOrder{
		WOCode:       code,
		ItemCode:     req.ItemCode,
		ItemName:     req.ItemName,
		OrderedQty:   req.OrderedQty,
		RemainingQty: req.OrderedQty,
		DueDate:      req.DueDate,
		Status:       entity.WOStatusPending,
		Notes:        req.Notes,
		CreatedBy:    operatorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.woRepo.Create(ctx, wo); err != nil {
		return nil, fmt.Errorf("创建工单失败: %w", err)
	}

	s.activityRepo.LogActivity(ctx, "work_order", wo.ID, wo.WOCode, "create", "", entity.WOStatusPending,
		fmt.Sprintf("创建工单，物料 %s，订单数量 %g", wo.ItemCode, wo.OrderedQty), operatorID, nil)
	return wo, nil
}

// GetWorkOrder 查询工单详情（含批次列表）
func (s *WorkOrderService) GetWorkOrder(ctx context.Context, id string) (*entity.WorkOrder, error) {
	return s.woRepo.FindByID(ctx, id)
}

// ListWorkOrders 分页查询工单
func (s *WorkOrderService) ListWorkOrders(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.WorkOrder, int64, error) {
	return s.woRepo.FindAll(ctx, page, pageSize, filters)
}

// UpdateWorkOrderRequest 更新工单请求，零值字段不更新
type UpdateWorkOrderRequest struct {
	ItemName *string    `json:"item_name"`
	DueDate  *time.Time `json:"due_date"`
	Notes    *string    `json:"notes"`
}

// UpdateWorkOrder 更新工单基础信息，不碰数量和状态
func (s *WorkOrderService) UpdateWorkOrder(ctx context.Context, id string, req *UpdateWorkOrderRequest, operatorID string) (*entity.WorkOrder, error) {
	wo, err := s.woRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wo.Completed {
		return nil, &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许修改", wo.WOCode)}
	}

	if req.ItemName != nil {
		wo.ItemName = *req.ItemName
	}
	if req.DueDate != nil {
		wo.DueDate = req.DueDate
	}
	if req.Notes != nil {
		wo.Notes = *req.Notes
	}
	wo.UpdatedAt = time.Now()
	if err := s.woRepo.Update(ctx, wo); err != nil {
		return nil, fmt.Errorf("更新工单失败: %w", err)
	}

	s.activityRepo.LogActivity(ctx, "work_order", wo.ID, wo.WOCode, "update", "", "", "更新工单基础信息", operatorID, nil)
	return wo, nil
}

// ReviseOrderedQty 修订订单数量并立即重算汇总，待产数量和综合状态随之变化
func (s *WorkOrderService) ReviseOrderedQty(ctx context.Context, id string, orderedQty float64, operatorID string) (*entity.WorkOrder, error) {
	if orderedQty <= 0 {
		return nil, &ValidationError{Field: "ordered_qty", Reason: "订单数量必须大于零"}
	}

	var (
		updated *entity.WorkOrder
		oldQty  float64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许修订数量", wo.WOCode)}
		}
		if orderedQty < wo.DispatchedQty {
			return &ValidationError{Field: "ordered_qty",
				Reason: fmt.Sprintf("订单数量 %g 不能低于已发货数量 %g", orderedQty, wo.DispatchedQty)}
		}
		oldQty = wo.OrderedQty

		if err := tx.Model(&entity.WorkOrder{}).Where("id = ?", id).Update("ordered_qty", orderedQty).Error; err != nil {
			return fmt.Errorf("修订订单数量失败: %w", err)
		}

		var err error
		updated, err = s.rollup.Recompute(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, id)
	s.activityRepo.LogActivity(ctx, "work_order", updated.ID, updated.WOCode, "revise_qty", "", "",
		fmt.Sprintf("订单数量 %g → %g", oldQty, orderedQty), operatorID, nil)
	return updated, nil
}

// GetActivities 查询工单操作日志
func (s *WorkOrderService) GetActivities(ctx context.Context, id string, page, pageSize int) ([]entity.ActivityLog, int64, error) {
	if _, err := s.woRepo.FindByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.activityRepo.FindByEntity(ctx, "work_order", id, page, pageSize)
}

var workOrderExportHeaders = []string{
	"工单号", "物料编码", "物料名称", "订单数量", "已产量", "终检合格", "终检不合格",
	"已装箱", "已发货", "待产", "状态", "是否完工", "交期", "创建时间",
}

var batchRegisterHeaders = []string{
	"工单号", "批次号", "开批原因", "状态", "计划数量", "已产量", "报废",
	"进料检", "首件检", "终检", "终检合格", "终检不合格", "已装箱", "已发货", "开批时间", "关批时间",
}

var dispatchRegisterHeaders = []string{
	"发货单号", "工单号", "批次号", "数量", "发货人", "发货时间", "备注",
}

// ExportRegister 导出工单台账Excel
func (s *WorkOrderService) ExportRegister(ctx context.Context, filters map[string]string) (*excelize.File, string, error) {
	items, _, err := s.woRepo.FindAll(ctx, 1, 10000, filters)
	if err != nil {
		return nil, "", fmt.Errorf("查询工单失败: %w", err)
	}

	f := excelize.NewFile()
	sheet := "工单台账"
	f.SetSheetName("Sheet1", sheet)

	// 表头样式: 加粗
	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	for i, h := range workOrderExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	for rowIdx, wo := range items {
		row := rowIdx + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), wo.WOCode)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), wo.ItemCode)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), wo.ItemName)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), wo.OrderedQty)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), wo.ProducedQty)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), wo.QCApprovedQty)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), wo.QCRejectedQty)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), wo.PackedQty)
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), wo.DispatchedQty)
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), wo.RemainingQty)
		f.SetCellValue(sheet, fmt.Sprintf("K%d", row), wo.Status)
		completed := "否"
		if wo.Completed {
			completed = "是"
		}
		f.SetCellValue(sheet, fmt.Sprintf("L%d", row), completed)
		if wo.DueDate != nil {
			f.SetCellValue(sheet, fmt.Sprintf("M%d", row), wo.DueDate.Format("2006-01-02"))
		}
		f.SetCellValue(sheet, fmt.Sprintf("N%d", row), wo.CreatedAt.Format("2006-01-02 15:04"))
	}

	colWidths := []float64{14, 14, 20, 10, 10, 10, 10, 10, 10, 10, 18, 8, 12, 16}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	ids := make([]string, 0, len(items))
	woCodes := make(map[string]string, len(items))
	for i := range items {
		ids = append(ids, items[i].ID)
		woCodes[items[i].ID] = items[i].WOCode
	}

	// 批次台账页: 每个批次的关卡状态与数量明细
	batchSheet := "批次台账"
	f.NewSheet(batchSheet)
	for i, h := range batchRegisterHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(batchSheet, cell, h)
		f.SetCellStyle(batchSheet, cell, cell, boldStyle)
	}

	var batches []entity.ProductionBatch
	if len(ids) > 0 {
		if err := s.db.WithContext(ctx).
			Where("work_order_id IN ?", ids).
			Order("work_order_id, batch_number ASC").
			Find(&batches).Error; err != nil {
			return nil, "", fmt.Errorf("查询批次失败: %w", err)
		}
	}

	batchNumbers := make(map[string]int, len(batches))
	for rowIdx := range batches {
		b := &batches[rowIdx]
		batchNumbers[b.ID] = b.BatchNumber
		row := rowIdx + 2
		f.SetCellValue(batchSheet, fmt.Sprintf("A%d", row), woCodes[b.WorkOrderID])
		f.SetCellValue(batchSheet, fmt.Sprintf("B%d", row), b.BatchNumber)
		f.SetCellValue(batchSheet, fmt.Sprintf("C%d", row), b.TriggerReason)
		f.SetCellValue(batchSheet, fmt.Sprintf("D%d", row), b.State)
		f.SetCellValue(batchSheet, fmt.Sprintf("E%d", row), b.BatchQuantity)
		f.SetCellValue(batchSheet, fmt.Sprintf("F%d", row), b.ProducedQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("G%d", row), b.ScrapQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("H%d", row), b.MaterialGate)
		f.SetCellValue(batchSheet, fmt.Sprintf("I%d", row), b.FirstPieceGate)
		f.SetCellValue(batchSheet, fmt.Sprintf("J%d", row), b.FinalGate)
		f.SetCellValue(batchSheet, fmt.Sprintf("K%d", row), b.QCApprovedQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("L%d", row), b.QCRejectedQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("M%d", row), b.PackedQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("N%d", row), b.DispatchedQty)
		f.SetCellValue(batchSheet, fmt.Sprintf("O%d", row), b.StartedAt.Format("2006-01-02 15:04"))
		if b.EndedAt != nil {
			f.SetCellValue(batchSheet, fmt.Sprintf("P%d", row), b.EndedAt.Format("2006-01-02 15:04"))
		}
	}

	batchWidths := []float64{14, 8, 14, 18, 10, 10, 8, 10, 10, 10, 10, 10, 10, 10, 16, 16}
	for i, w := range batchWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(batchSheet, col, col, w)
	}

	// 发货台账页: 发货流水
	dispatchSheet := "发货台账"
	f.NewSheet(dispatchSheet)
	for i, h := range dispatchRegisterHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(dispatchSheet, cell, h)
		f.SetCellStyle(dispatchSheet, cell, cell, boldStyle)
	}

	var dispatches []entity.Dispatch
	if len(ids) > 0 {
		if err := s.db.WithContext(ctx).
			Where("work_order_id IN ?", ids).
			Order("dispatched_at ASC").
			Find(&dispatches).Error; err != nil {
			return nil, "", fmt.Errorf("查询发货记录失败: %w", err)
		}
	}

	for rowIdx := range dispatches {
		d := &dispatches[rowIdx]
		row := rowIdx + 2
		f.SetCellValue(dispatchSheet, fmt.Sprintf("A%d", row), d.DispatchNo)
		f.SetCellValue(dispatchSheet, fmt.Sprintf("B%d", row), woCodes[d.WorkOrderID])
		f.SetCellValue(dispatchSheet, fmt.Sprintf("C%d", row), batchNumbers[d.BatchID])
		f.SetCellValue(dispatchSheet, fmt.Sprintf("D%d", row), d.Quantity)
		f.SetCellValue(dispatchSheet, fmt.Sprintf("E%d", row), d.DispatchedBy)
		f.SetCellValue(dispatchSheet, fmt.Sprintf("F%d", row), d.DispatchedAt.Format("2006-01-02 15:04"))
		f.SetCellValue(dispatchSheet, fmt.Sprintf("G%d", row), d.Remark)
	}

	dispatchWidths := []float64{18, 14, 8, 10, 12, 16, 24}
	for i, w := range dispatchWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(dispatchSheet, col, col, w)
	}

	filename := fmt.Sprintf("工单台账_%s.xlsx", time.Now().Format("20060102"))
	return f, filename, nil
}
