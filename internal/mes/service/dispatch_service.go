package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatchService 装箱与发货服务
// 发货校验、发货落库、批次累计和工单汇总在同一事务内完成
type DispatchService struct {
	dispatchRepo *repository.DispatchRepository
	cartonRepo   *repository.CartonRepository
	batchRepo    *repository.BatchRepository
	woRepo       *repository.WorkOrderRepository
	activityRepo *repository.ActivityLogRepository
	rollup       *RollupService
	db           *gorm.DB
}

func NewDispatchService(
	dispatchRepo *repository.DispatchRepository,
	cartonRepo *repository.CartonRepository,
	batchRepo *repository.BatchRepository,
	woRepo *repository.WorkOrderRepository,
	activityRepo *repository.ActivityLogRepository,
	rollup *RollupService,
	db *gorm.DB,
) *DispatchService {
	return &DispatchService{
		dispatchRepo: dispatchRepo,
		cartonRepo:   cartonRepo,
		batchRepo:    batchRepo,
		woRepo:       woRepo,
		activityRepo: activityRepo,
		rollup:       rollup,
		db:           db,
	}
}

// validateDispatch 发货前置校验，按固定顺序执行，第一条不满足即返回
// 顺序: 归属 → 终检放行 → 有装箱存量 → 不超装箱余量 → 数量为正 → 不超终检合格余量
func validateDispatch(batch *entity.ProductionBatch, workOrderID string, quantity float64) error {
	if batch.WorkOrderID != workOrderID {
		return &ValidationError{Field: "batch_id", Reason: fmt.Sprintf("批次#%d 不属于工单 %s", batch.BatchNumber, workOrderID)}
	}
	if !batch.DispatchAllowed {
		return &GateNotSatisfiedError{
			BatchNumber:    batch.BatchNumber,
			MaterialGate:   batch.MaterialGate,
			FirstPieceGate: batch.FirstPieceGate,
			FinalGate:      batch.FinalGate,
			ApprovedQty:    batch.QCApprovedQty,
			BatchQuantity:  batch.BatchQuantity,
			Operation:      "发货",
		}
	}
	if batch.PackedQty <= batch.DispatchedQty {
		return &QuantityExceededError{
			BatchNumber: batch.BatchNumber,
			Kind:        "packed",
			Requested:   quantity,
			Available:   batch.PackedQty - batch.DispatchedQty,
		}
	}
	if quantity > batch.PackedQty-batch.DispatchedQty {
		return &QuantityExceededError{
			BatchNumber: batch.BatchNumber,
			Kind:        "packed",
			Requested:   quantity,
			Available:   batch.PackedQty - batch.DispatchedQty,
		}
	}
	if quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "发货数量必须大于零"}
	}
	if quantity > batch.QCApprovedQty-batch.DispatchedQty {
		return &QuantityExceededError{
			BatchNumber: batch.BatchNumber,
			Kind:        "approved",
			Requested:   quantity,
			Available:   batch.QCApprovedQty - batch.DispatchedQty,
		}
	}
	return nil
}

// PackCartonRequest 装箱请求
type PackCartonRequest struct {
	Quantity float64 `json:"quantity" binding:"required"`
}

// PackCarton 装箱。批次packed_qty从箱单行重算，不做增量
func (s *DispatchService) PackCarton(ctx context.Context, batchID string, req *PackCartonRequest, operatorID string) (*entity.Carton, error) {
	if req.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "装箱数量必须大于零"}
	}

	probe, err := s.batchRepo.FindByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	cartonNo, err := s.cartonRepo.GenerateNo(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成箱单号失败: %w", err)
	}

	var carton entity.Carton
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", probe.WorkOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许再装箱", wo.WOCode)}
		}

		var batch entity.ProductionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		now := time.Now()
		carton = entity.Carton{
			CartonNo:    cartonNo,
			WorkOrderID: batch.WorkOrderID,
			BatchID:     batch.ID,
			Quantity:    req.Quantity,
			PackedBy:    operatorID,
			PackedAt:    now,
			CreatedAt:   now,
		}
		if err := tx.Create(&carton).Error; err != nil {
			return fmt.Errorf("创建箱单失败: %w", err)
		}

		var packed float64
		if err := tx.Model(&entity.Carton{}).
			Select("COALESCE(SUM(quantity), 0)").
			Where("batch_id = ?", batch.ID).
			Scan(&packed).Error; err != nil {
			return err
		}
		batch.PackedQty = packed
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("更新批次装箱数失败: %w", err)
		}

		_, err := s.rollup.Recompute(ctx, tx, batch.WorkOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, probe.WorkOrderID)
	s.activityRepo.LogActivity(ctx, "carton", carton.ID, carton.CartonNo, "pack", "", "",
		fmt.Sprintf("批次#%d 装箱 %g", probe.BatchNumber, carton.Quantity), operatorID, nil)
	return &carton, nil
}

// ValidateDispatch 发货校验干跑，只读不落库
func (s *DispatchService) ValidateDispatch(ctx context.Context, batchID, workOrderID string, quantity float64) error {
	batch, err := s.batchRepo.FindByID(ctx, batchID)
	if err != nil {
		return err
	}
	return validateDispatch(batch, workOrderID, quantity)
}

// CreateDispatchRequest 发货请求
type CreateDispatchRequest struct {
	WorkOrderID string  `json:"work_order_id" binding:"required"`
	Quantity    float64 `json:"quantity"`
	CartonID    string  `json:"carton_id"`
	Remark      string  `json:"remark"`
}

// CreateDispatch 发货。锁内校验通过后写发货记录、累计批次发货数并重算工单，
// 任一步失败整个事务回滚
func (s *DispatchService) CreateDispatch(ctx context.Context, batchID string, req *CreateDispatchRequest, operatorID string) (*entity.Dispatch, error) {
	dispatchNo, err := s.dispatchRepo.GenerateNo(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成发货单号失败: %w", err)
	}

	var (
		dispatch entity.Dispatch
		batchNum int
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", req.WorkOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许再发货", wo.WOCode)}
		}

		var batch entity.ProductionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		batchNum = batch.BatchNumber

		if err := validateDispatch(&batch, req.WorkOrderID, req.Quantity); err != nil {
			return err
		}

		var cartonID *string
		if req.CartonID != "" {
			var carton entity.Carton
			if err := tx.Where("id = ?", req.CartonID).First(&carton).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return &ValidationError{Field: "carton_id", Reason: "箱单不存在"}
				}
				return err
			}
			if carton.BatchID != batch.ID {
				return &ValidationError{Field: "carton_id", Reason: fmt.Sprintf("箱单 %s 不属于批次#%d", carton.CartonNo, batch.BatchNumber)}
			}
			cartonID = &carton.ID
		}

		now := time.Now()
		dispatch = entity.Dispatch{
			DispatchNo:   dispatchNo,
			WorkOrderID:  req.WorkOrderID,
			BatchID:      batch.ID,
			CartonID:     cartonID,
			Quantity:     req.Quantity,
			DispatchedBy: operatorID,
			DispatchedAt: now,
			Remark:       req.Remark,
			CreatedAt:    now,
		}
		if err := tx.Create(&dispatch).Error; err != nil {
			return fmt.Errorf("创建发货记录失败: %w", err)
		}

		batch.DispatchedQty += req.Quantity
		if batch.DispatchedQty > batch.QCApprovedQty {
			return &ConsistencyViolation{
				Invariant: "dispatched <= qc_approved",
				Detail:    fmt.Sprintf("批次#%d 发货合计 %g 超过终检合格 %g", batch.BatchNumber, batch.DispatchedQty, batch.QCApprovedQty),
			}
		}
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("更新批次发货数失败: %w", err)
		}

		_, err := s.rollup.Recompute(ctx, tx, req.WorkOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, req.WorkOrderID)
	s.activityRepo.LogActivity(ctx, "dispatch", dispatch.ID, dispatch.DispatchNo, "dispatch", "", "",
		fmt.Sprintf("批次#%d 发货 %g", batchNum, dispatch.Quantity), operatorID, nil)
	return &dispatch, nil
}

// ListCartons 查询批次箱单
func (s *DispatchService) ListCartons(ctx context.Context, batchID string) ([]entity.Carton, error) {
	if _, err := s.batchRepo.FindByID(ctx, batchID); err != nil {
		return nil, err
	}
	return s.cartonRepo.FindByBatch(ctx, batchID)
}

// ListDispatches 查询工单发货记录
func (s *DispatchService) ListDispatches(ctx context.Context, workOrderID string) ([]entity.Dispatch, error) {
	if _, err := s.woRepo.FindByID(ctx, workOrderID); err != nil {
		return nil, err
	}
	return s.dispatchRepo.FindByWorkOrder(ctx, workOrderID)
}

// ListBatchDispatches 查询批次发货记录
func (s *DispatchService) ListBatchDispatches(ctx context.Context, batchID string) ([]entity.Dispatch, error) {
	if _, err := s.batchRepo.FindByID(ctx, batchID); err != nil {
		return nil, err
	}
	return s.dispatchRepo.FindByBatch(ctx, batchID)
}
