package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProductionService 报工服务
// 报工先解析当前批次（必要时开批，开批独立提交），再校验production_allowed，
// 所以即使报工因关卡被拒，新开的批次也会保留下来等待检验
type ProductionService struct {
	eventRepo    *repository.ProductionEventRepository
	activityRepo *repository.ActivityLogRepository
	batchSvc     *BatchService
	qcSvc        *QCService
	rollup       *RollupService
	db           *gorm.DB
}

func NewProductionService(
	eventRepo *repository.ProductionEventRepository,
	activityRepo *repository.ActivityLogRepository,
	batchSvc *BatchService,
	qcSvc *QCService,
	rollup *RollupService,
	db *gorm.DB,
) *ProductionService {
	return &ProductionService{
		eventRepo:    eventRepo,
		activityRepo: activityRepo,
		batchSvc:     batchSvc,
		qcSvc:        qcSvc,
		rollup:       rollup,
		db:           db,
	}
}

// LogProductionRequest 报工请求
type LogProductionRequest struct {
	OKQty      float64    `json:"ok_qty"`
	ScrapQty   float64    `json:"scrap_qty"`
	OccurredAt *time.Time `json:"occurred_at"`
}

// LogProduction 记录一次报工
func (s *ProductionService) LogProduction(ctx context.Context, workOrderID string, req *LogProductionRequest, operatorID string) (*entity.ProductionEvent, *entity.ProductionBatch, error) {
	occurredAt := time.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}
	return s.logProduction(ctx, workOrderID, req.OKQty, req.ScrapQty, occurredAt, operatorID, entity.EventSourceAPI)
}

func (s *ProductionService) logProduction(ctx context.Context, workOrderID string, okQty, scrapQty float64, occurredAt time.Time, operatorID, source string) (*entity.ProductionEvent, *entity.ProductionBatch, error) {
	if okQty < 0 || scrapQty < 0 {
		return nil, nil, &ValidationError{Field: "ok_qty", Reason: "报工数量不能为负数"}
	}
	if okQty == 0 && scrapQty == 0 {
		return nil, nil, &ValidationError{Field: "ok_qty", Reason: "合格数和报废数不能同时为零"}
	}

	current, err := s.batchSvc.GetOrCreateCurrentBatch(ctx, workOrderID)
	if err != nil {
		return nil, nil, err
	}
	if !current.ProductionAllowed {
		return nil, nil, &GateNotSatisfiedError{
			BatchNumber:    current.BatchNumber,
			MaterialGate:   current.MaterialGate,
			FirstPieceGate: current.FirstPieceGate,
			FinalGate:      current.FinalGate,
			ApprovedQty:    current.QCApprovedQty,
			BatchQuantity:  current.BatchQuantity,
			Operation:      "报工",
		}
	}

	var (
		event entity.ProductionEvent
		batch entity.ProductionBatch
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", workOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许再报工", wo.WOCode)}
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", current.ID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		// 拿到锁后重查批次状态，开批和报工之间批次可能已被别的事务关掉
		if !batch.IsOpen() {
			return &ConcurrencyConflictError{
				Resource: fmt.Sprintf("批次#%d", batch.BatchNumber),
				Reason:   "批次在报工过程中被关闭，请重试",
			}
		}
		if !batch.ProductionAllowed {
			return &GateNotSatisfiedError{
				BatchNumber:    batch.BatchNumber,
				MaterialGate:   batch.MaterialGate,
				FirstPieceGate: batch.FirstPieceGate,
				FinalGate:      batch.FinalGate,
				ApprovedQty:    batch.QCApprovedQty,
				BatchQuantity:  batch.BatchQuantity,
				Operation:      "报工",
			}
		}

		now := time.Now()
		event = entity.ProductionEvent{
			WorkOrderID: workOrderID,
			BatchID:     batch.ID,
			OKQty:       okQty,
			ScrapQty:    scrapQty,
			ReportedBy:  operatorID,
			Source:      source,
			OccurredAt:  occurredAt,
			CreatedAt:   now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("写入报工记录失败: %w", err)
		}

		batch.ProducedQty += okQty
		batch.ScrapQty += scrapQty
		// 只向前推进，补录的历史报工不回拨闲置时钟
		if batch.LastProductionAt == nil || occurredAt.After(*batch.LastProductionAt) {
			batch.LastProductionAt = &occurredAt
		}
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("更新批次产量失败: %w", err)
		}

		// 有产出后自动立终检待检单
		if err := s.qcSvc.ensureOpenRecords(ctx, tx, &batch, entity.GateFinal); err != nil {
			return err
		}

		_, err := s.rollup.Recompute(ctx, tx, workOrderID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, workOrderID)
	s.activityRepo.LogActivity(ctx, "work_order", workOrderID, "", "log_production", "", "",
		fmt.Sprintf("批次#%d 报工 合格%g 报废%g", batch.BatchNumber, okQty, scrapQty), operatorID, nil)
	return &event, &batch, nil
}

// ImportResult 批量导入结果
type ImportResult struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ImportProductionEvents 从CSV批量导入报工记录
// 文件为GBK编码，第一行表头，之后每行: 合格数,报废数[,发生时间]
// 逐行独立入账，单行失败不影响其他行
func (s *ProductionService) ImportProductionEvents(ctx context.Context, workOrderID string, reader io.Reader, operatorID string) (*ImportResult, error) {
	// GBK → UTF-8
	utf8Reader := transform.NewReader(reader, simplifiedchinese.GBK.NewDecoder())

	result := &ImportResult{}
	scanner := bufio.NewScanner(utf8Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// 第一行是表头，跳过
		if lineNo == 1 {
			continue
		}

		result.Total++

		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(fields[i]), "\"")
		}
		if len(fields) < 2 {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("第%d行: 至少需要两列（合格数,报废数）", lineNo))
			continue
		}

		okQty, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("第%d行: 合格数无法解析: %s", lineNo, fields[0]))
			continue
		}
		var scrapQty float64
		if fields[1] != "" {
			scrapQty, err = strconv.ParseFloat(fields[1], 64)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("第%d行: 报废数无法解析: %s", lineNo, fields[1]))
				continue
			}
		}
		occurredAt := time.Now()
		if len(fields) >= 3 && fields[2] != "" {
			t, err := time.ParseInLocation("2006-01-02 15:04:05", fields[2], time.Local)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("第%d行: 发生时间无法解析: %s", lineNo, fields[2]))
				continue
			}
			occurredAt = t
		}

		if _, _, err := s.logProduction(ctx, workOrderID, okQty, scrapQty, occurredAt, operatorID, entity.EventSourceImport); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("第%d行: %v", lineNo, err))
			continue
		}
		result.Succeeded++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("读取导入文件失败: %w", err)
	}

	s.activityRepo.LogActivity(ctx, "work_order", workOrderID, "", "import_production", "", "",
		fmt.Sprintf("CSV导入报工：成功%d 失败%d", result.Succeeded, result.Failed), operatorID, nil)
	return result, nil
}

// ListEvents 查询工单报工记录，按发生时间倒序
func (s *ProductionService) ListEvents(ctx context.Context, workOrderID string, page, pageSize int) ([]entity.ProductionEvent, int64, error) {
	return s.eventRepo.FindByWorkOrder(ctx, workOrderID, page, pageSize)
}
