package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultGapDays 停产重开的默认闲置阈值（天）
const DefaultGapDays = 7

// BatchService 批次生命周期服务
// 一个工单同一时刻最多一个在产批次，开批/关批全部经由本服务，
// 并发开批由工单行锁串行化
type BatchService struct {
	batchRepo    *repository.BatchRepository
	woRepo       *repository.WorkOrderRepository
	activityRepo *repository.ActivityLogRepository
	qcSvc        *QCService
	rollup       *RollupService
	db           *gorm.DB
	gapDays      int
}

func NewBatchService(
	batchRepo *repository.BatchRepository,
	woRepo *repository.WorkOrderRepository,
	activityRepo *repository.ActivityLogRepository,
	qcSvc *QCService,
	rollup *RollupService,
	db *gorm.DB,
	gapDays int,
) *BatchService {
	if gapDays <= 0 {
		gapDays = DefaultGapDays
	}
	return &BatchService{
		batchRepo:    batchRepo,
		woRepo:       woRepo,
		activityRepo: activityRepo,
		qcSvc:        qcSvc,
		rollup:       rollup,
		db:           db,
		gapDays:      gapDays,
	}
}

func canTransitionBatch(from, to string) bool {
	for _, t := range entity.ValidBatchTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// GetOrCreateCurrentBatch 取工单当前批次，必要时按触发规则开新批次
// 没有生产事件介入时重复调用幂等，返回同一个批次
func (s *BatchService) GetOrCreateCurrentBatch(ctx context.Context, workOrderID string) (*entity.ProductionBatch, error) {
	var (
		batch   *entity.ProductionBatch
		woCode  string
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", workOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		woCode = wo.WOCode

		var err error
		batch, created, err = s.resolveCurrentBatch(ctx, tx, &wo, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.rollup.InvalidateStatusCache(ctx, workOrderID)
		s.activityRepo.LogActivity(ctx, "batch", batch.ID, woCode, "open_batch", "", entity.BatchStateOpen,
			fmt.Sprintf("开批#%d（%s），计划数量 %g", batch.BatchNumber, batch.TriggerReason, batch.BatchQuantity), "", nil)
	}
	return batch, nil
}

// resolveCurrentBatch 在已持有工单行锁的事务内解析当前批次
// 返回的bool表示本次是否新开了批次
func (s *BatchService) resolveCurrentBatch(ctx context.Context, tx *gorm.DB, wo *entity.WorkOrder, now time.Time) (*entity.ProductionBatch, bool, error) {
	if wo.Completed {
		return nil, false, &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许再开批", wo.WOCode)}
	}

	var latest entity.ProductionBatch
	err := tx.Where("work_order_id = ?", wo.ID).Order("batch_number DESC").First(&latest).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
		b, err := s.spawnBatch(ctx, tx, wo, nil, entity.TriggerInitial, wo.OrderedQty, now)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}

	// 待产数量永远从批次明细实时合计，不读工单上的缓存字段
	var produced float64
	if err := tx.Model(&entity.ProductionBatch{}).
		Select("COALESCE(SUM(produced_qty), 0)").
		Where("work_order_id = ?", wo.ID).
		Scan(&produced).Error; err != nil {
		return nil, false, err
	}

	trigger, err := s.evalTrigger(tx, wo, &latest, produced, now)
	if err != nil {
		return nil, false, err
	}
	if trigger == "" {
		// 没有命中任何开批条件：开着的继续用，关了的也不自动重开
		return &latest, false, nil
	}

	if latest.State == entity.BatchStateOpen {
		target := entity.BatchStateClosedSuperseded
		if latest.ProductionComplete {
			target = entity.BatchStateClosedComplete
		}
		if !canTransitionBatch(latest.State, target) {
			return nil, false, &ConsistencyViolation{
				Invariant: "batch state machine",
				Detail:    fmt.Sprintf("批次#%d 不允许从 %s 流转到 %s", latest.BatchNumber, latest.State, target),
			}
		}
		latest.State = target
		latest.EndedAt = &now
		latest.UpdatedAt = now
		if err := tx.Save(&latest).Error; err != nil {
			return nil, false, fmt.Errorf("关闭批次#%d失败: %w", latest.BatchNumber, err)
		}
	}

	remaining := wo.OrderedQty - produced
	if remaining < 0 {
		remaining = 0
	}
	b, err := s.spawnBatch(ctx, tx, wo, &latest, trigger, remaining, now)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// evalTrigger 按优先级评估开批触发条件，返回空串表示不开新批
// 优先级: post_complete > post_dispatch > gap_restart > resumed
func (s *BatchService) evalTrigger(tx *gorm.DB, wo *entity.WorkOrder, latest *entity.ProductionBatch, produced float64, now time.Time) (string, error) {
	// 报完工的批次只看产量缺口，产量够了就不再开批
	if latest.ProductionComplete {
		if produced < wo.OrderedQty {
			return entity.TriggerPostComplete, nil
		}
		return "", nil
	}

	var dispatches int64
	if err := tx.Model(&entity.Dispatch{}).
		Where("batch_id = ? AND dispatched_at >= ?", latest.ID, latest.StartedAt).
		Count(&dispatches).Error; err != nil {
		return "", err
	}
	if dispatches > 0 {
		return entity.TriggerPostDispatch, nil
	}

	// 闲置起点取开批时间和最近报工时间的较晚者，
	// 历史日期的补录报工不能把闲置时钟往回拨
	idleSince := latest.StartedAt
	if latest.LastProductionAt != nil && latest.LastProductionAt.After(idleSince) {
		idleSince = *latest.LastProductionAt
	}
	if now.Sub(idleSince) > time.Duration(s.gapDays)*24*time.Hour {
		return entity.TriggerGapRestart, nil
	}

	if latest.State != entity.BatchStateOpen {
		return entity.TriggerResumed, nil
	}

	return "", nil
}

// spawnBatch 在事务内创建下一个批次并触发汇总重算
// 新批次完全不继承旧批次：三道关卡回到pending，数量从零累计
func (s *BatchService) spawnBatch(ctx context.Context, tx *gorm.DB, wo *entity.WorkOrder, prev *entity.ProductionBatch, trigger string, quantity float64, now time.Time) (*entity.ProductionBatch, error) {
	batch := &entity.ProductionBatch{
		WorkOrderID:    wo.ID,
		BatchNumber:    1,
		TriggerReason:  trigger,
		State:          entity.BatchStateOpen,
		BatchQuantity:  quantity,
		StartedAt:      now,
		MaterialGate:   entity.GateStatusPending,
		FirstPieceGate: entity.GateStatusPending,
		FinalGate:      entity.GateStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if prev != nil {
		batch.BatchNumber = prev.BatchNumber + 1
		batch.PreviousBatchID = &prev.ID
	}
	batch.RecomputeEligibility()

	if err := tx.Create(batch).Error; err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, &ConcurrencyConflictError{
				Resource: fmt.Sprintf("工单 %s 批次#%d", wo.WOCode, batch.BatchNumber),
				Reason:   "批次号被并发事务抢占，请重试",
			}
		}
		return nil, fmt.Errorf("开批失败: %w", err)
	}

	// 进料检和首件检随开批自动立单
	if err := s.qcSvc.ensureOpenRecords(ctx, tx, batch, entity.GateMaterial, entity.GateFirstPiece); err != nil {
		return nil, err
	}

	if _, err := s.rollup.Recompute(ctx, tx, wo.ID); err != nil {
		return nil, err
	}
	return batch, nil
}

// CompleteBatchProduction 批次报完工，批次关闭为closed_complete
// 产量缺口留给下一次get_or_create按post_complete开批补齐
func (s *BatchService) CompleteBatchProduction(ctx context.Context, batchID string, completedQty float64, operatorID, reason string) (*entity.ProductionBatch, error) {
	if completedQty < 0 {
		return nil, &ValidationError{Field: "completed_qty", Reason: "完工数量不能为负数"}
	}

	probe, err := s.batchRepo.FindByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var batch entity.ProductionBatch
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先锁工单行再锁批次行，所有写路径保持同一加锁顺序
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", probe.WorkOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，批次不可再操作", wo.WOCode)}
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		if batch.ProductionComplete {
			return &ValidationError{Field: "batch", Reason: fmt.Sprintf("批次#%d 已报完工", batch.BatchNumber)}
		}
		if !canTransitionBatch(batch.State, entity.BatchStateClosedComplete) {
			return &ValidationError{Field: "batch", Reason: fmt.Sprintf("批次#%d 当前状态 %s 不允许报完工", batch.BatchNumber, batch.State)}
		}

		now := time.Now()
		qty := completedQty
		if qty == 0 {
			qty = batch.ProducedQty
		}
		batch.ProductionComplete = true
		batch.CompletedQty = qty
		batch.CompletedBy = operatorID
		batch.CompletedReason = reason
		batch.State = entity.BatchStateClosedComplete
		batch.EndedAt = &now
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("批次报完工失败: %w", err)
		}

		_, err := s.rollup.Recompute(ctx, tx, wo.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, batch.WorkOrderID)
	s.activityRepo.LogActivity(ctx, "batch", batch.ID, "", "complete_production", entity.BatchStateOpen, entity.BatchStateClosedComplete,
		fmt.Sprintf("批次#%d 报完工，完工数量 %g", batch.BatchNumber, batch.CompletedQty), operatorID, nil)
	return &batch, nil
}

// CloseBatch 手工关闭批次（closed_superseded）
// 之后若再有生产事件，get_or_create按resumed规则开新批
func (s *BatchService) CloseBatch(ctx context.Context, batchID, operatorID, reason string) (*entity.ProductionBatch, error) {
	probe, err := s.batchRepo.FindByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var batch entity.ProductionBatch
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", probe.WorkOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，批次不可再操作", wo.WOCode)}
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", batchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		if batch.State != entity.BatchStateOpen {
			return &ValidationError{Field: "batch", Reason: fmt.Sprintf("批次#%d 已关闭", batch.BatchNumber)}
		}
		if !canTransitionBatch(batch.State, entity.BatchStateClosedSuperseded) {
			return &ValidationError{Field: "batch", Reason: fmt.Sprintf("批次#%d 当前状态 %s 不允许关闭", batch.BatchNumber, batch.State)}
		}

		now := time.Now()
		batch.State = entity.BatchStateClosedSuperseded
		batch.EndedAt = &now
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("关闭批次失败: %w", err)
		}

		_, err := s.rollup.Recompute(ctx, tx, wo.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.rollup.InvalidateStatusCache(ctx, batch.WorkOrderID)
	s.activityRepo.LogActivity(ctx, "batch", batch.ID, "", "close_batch", entity.BatchStateOpen, entity.BatchStateClosedSuperseded,
		fmt.Sprintf("手工关闭批次#%d：%s", batch.BatchNumber, reason), operatorID, nil)
	return &batch, nil
}

// GetBatch 查询批次详情
func (s *BatchService) GetBatch(ctx context.Context, batchID string) (*entity.ProductionBatch, error) {
	return s.batchRepo.FindByID(ctx, batchID)
}

// ListBatches 查询工单全部批次，按批次号升序
func (s *BatchService) ListBatches(ctx context.Context, workOrderID string) ([]entity.ProductionBatch, error) {
	if _, err := s.woRepo.FindByID(ctx, workOrderID); err != nil {
		return nil, err
	}
	return s.batchRepo.FindByWorkOrder(ctx, workOrderID)
}
