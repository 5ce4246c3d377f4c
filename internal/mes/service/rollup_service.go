package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/shared/feishu"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const statusCacheTTL = time.Minute

func statusCacheKey(workOrderID string) string {
	return "mes:wo:status:" + workOrderID
}

// RollupService 工单汇总服务
// 工单上的数量汇总和综合状态永远由本服务从批次明细整表重算，
// 业务代码不得对工单汇总字段做增量修改
type RollupService struct {
	woRepo       *repository.WorkOrderRepository
	activityRepo *repository.ActivityLogRepository
	db           *gorm.DB
	rdb          *redis.Client
	feishuClient *feishu.FeishuClient
	notifyUserID string
}

func NewRollupService(woRepo *repository.WorkOrderRepository, activityRepo *repository.ActivityLogRepository, db *gorm.DB, rdb *redis.Client) *RollupService {
	return &RollupService{
		woRepo:       woRepo,
		activityRepo: activityRepo,
		db:           db,
		rdb:          rdb,
	}
}

// SetFeishuClient 注入飞书客户端
func (s *RollupService) SetFeishuClient(fc *feishu.FeishuClient, notifyUserID string) {
	s.feishuClient = fc
	s.notifyUserID = notifyUserID
}

// BatchAggregate 工单下全部批次的聚合结果
type BatchAggregate struct {
	ProducedQty   float64
	QCApprovedQty float64
	QCRejectedQty float64
	PackedQty     float64
	DispatchedQty float64
	TotalBatches  int
	OpenBatches   int
}

// aggregateBatches 在事务内对批次明细做单条SQL聚合
func (s *RollupService) aggregateBatches(tx *gorm.DB, workOrderID string) (*BatchAggregate, error) {
	agg := &BatchAggregate{}
	row := tx.Raw(`
		SELECT
			COALESCE(SUM(produced_qty), 0)    AS produced,
			COALESCE(SUM(qc_approved_qty), 0) AS approved,
			COALESCE(SUM(qc_rejected_qty), 0) AS rejected,
			COALESCE(SUM(packed_qty), 0)      AS packed,
			COALESCE(SUM(dispatched_qty), 0)  AS dispatched,
			COUNT(*)                          AS total,
			COUNT(CASE WHEN state = ? AND NOT production_complete THEN 1 END) AS open
		FROM mes_production_batches
		WHERE work_order_id = ?
	`, entity.BatchStateOpen, workOrderID).Row()

	if err := row.Scan(
		&agg.ProducedQty,
		&agg.QCApprovedQty,
		&agg.QCRejectedQty,
		&agg.PackedQty,
		&agg.DispatchedQty,
		&agg.TotalBatches,
		&agg.OpenBatches,
	); err != nil {
		return nil, fmt.Errorf("聚合批次明细失败: %w", err)
	}
	return agg, nil
}

// DeriveWorkOrderStatus 按固定优先级从聚合结果推导工单综合状态，命中第一条即返回
func DeriveWorkOrderStatus(orderedQty float64, agg *BatchAggregate) string {
	switch {
	case orderedQty > 0 && agg.DispatchedQty >= orderedQty:
		return entity.WOStatusFullyDispatched
	case agg.DispatchedQty > 0 && agg.OpenBatches == 0:
		return entity.WOStatusAwaitingNextBatch
	case agg.DispatchedQty > 0:
		return entity.WOStatusPartiallyDispatched
	case agg.QCApprovedQty > agg.DispatchedQty:
		return entity.WOStatusReadyToDispatch
	case agg.QCApprovedQty > 0:
		return entity.WOStatusPartiallyApproved
	case agg.ProducedQty > 0 || agg.OpenBatches > 0:
		return entity.WOStatusInProduction
	default:
		return entity.WOStatusPending
	}
}

// Recompute 在调用方事务内重算工单汇总并写回
// 会对工单行加排它锁，同一工单的汇总写入由此串行化；
// 聚合口径自检不通过时返回ConsistencyViolation让整个事务回滚
func (s *RollupService) Recompute(ctx context.Context, tx *gorm.DB, workOrderID string) (*entity.WorkOrder, error) {
	var wo entity.WorkOrder
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", workOrderID).First(&wo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	agg, err := s.aggregateBatches(tx, workOrderID)
	if err != nil {
		return nil, err
	}

	if agg.QCApprovedQty+agg.QCRejectedQty > agg.ProducedQty {
		return nil, &ConsistencyViolation{
			Invariant: "qc_approved + qc_rejected <= produced",
			Detail:    fmt.Sprintf("工单 %s 检验合计 %g 超过产量合计 %g", wo.WOCode, agg.QCApprovedQty+agg.QCRejectedQty, agg.ProducedQty),
		}
	}
	if agg.DispatchedQty > agg.QCApprovedQty {
		return nil, &ConsistencyViolation{
			Invariant: "dispatched <= qc_approved",
			Detail:    fmt.Sprintf("工单 %s 发货合计 %g 超过终检合格合计 %g", wo.WOCode, agg.DispatchedQty, agg.QCApprovedQty),
		}
	}

	remaining := wo.OrderedQty - agg.ProducedQty
	if remaining < 0 {
		remaining = 0
	}
	status := DeriveWorkOrderStatus(wo.OrderedQty, agg)

	now := time.Now()
	updates := map[string]interface{}{
		"produced_qty":    agg.ProducedQty,
		"qc_approved_qty": agg.QCApprovedQty,
		"qc_rejected_qty": agg.QCRejectedQty,
		"packed_qty":      agg.PackedQty,
		"dispatched_qty":  agg.DispatchedQty,
		"remaining_qty":   remaining,
		"status":          status,
		"updated_at":      now,
	}
	if err := tx.Model(&entity.WorkOrder{}).Where("id = ?", workOrderID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("写回工单汇总失败: %w", err)
	}

	wo.ProducedQty = agg.ProducedQty
	wo.QCApprovedQty = agg.QCApprovedQty
	wo.QCRejectedQty = agg.QCRejectedQty
	wo.PackedQty = agg.PackedQty
	wo.DispatchedQty = agg.DispatchedQty
	wo.RemainingQty = remaining
	wo.Status = status
	wo.UpdatedAt = now
	return &wo, nil
}

// InvalidateStatusCache 清除工单状态缓存，在写事务提交之后调用
func (s *RollupService) InvalidateStatusCache(ctx context.Context, workOrderID string) {
	if s.rdb == nil {
		return
	}
	s.rdb.Del(ctx, statusCacheKey(workOrderID))
}

// WorkOrderStatusSnapshot 工单状态快照
type WorkOrderStatusSnapshot struct {
	WorkOrderID   string  `json:"work_order_id"`
	WOCode        string  `json:"wo_code"`
	Status        string  `json:"status"`
	Completed     bool    `json:"completed"`
	OrderedQty    float64 `json:"ordered_qty"`
	ProducedQty   float64 `json:"produced_qty"`
	QCApprovedQty float64 `json:"qc_approved_qty"`
	QCRejectedQty float64 `json:"qc_rejected_qty"`
	PackedQty     float64 `json:"packed_qty"`
	DispatchedQty float64 `json:"dispatched_qty"`
	RemainingQty  float64 `json:"remaining_qty"`
	CurrentBatch  int     `json:"current_batch,omitempty"`
}

// GetStatus 读取工单状态快照，走Redis短TTL缓存
func (s *RollupService) GetStatus(ctx context.Context, workOrderID string) (*WorkOrderStatusSnapshot, error) {
	cacheKey := statusCacheKey(workOrderID)
	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			var snap WorkOrderStatusSnapshot
			if json.Unmarshal([]byte(cached), &snap) == nil {
				return &snap, nil
			}
		}
	}

	wo, err := s.woRepo.FindByID(ctx, workOrderID)
	if err != nil {
		return nil, err
	}

	snap := &WorkOrderStatusSnapshot{
		WorkOrderID:   wo.ID,
		WOCode:        wo.WOCode,
		Status:        wo.Status,
		Completed:     wo.Completed,
		OrderedQty:    wo.OrderedQty,
		ProducedQty:   wo.ProducedQty,
		QCApprovedQty: wo.QCApprovedQty,
		QCRejectedQty: wo.QCRejectedQty,
		PackedQty:     wo.PackedQty,
		DispatchedQty: wo.DispatchedQty,
		RemainingQty:  wo.RemainingQty,
	}
	for i := range wo.Batches {
		if wo.Batches[i].IsOpen() {
			snap.CurrentBatch = wo.Batches[i].BatchNumber
		}
	}

	if s.rdb != nil {
		if data, err := json.Marshal(snap); err == nil {
			s.rdb.Set(ctx, cacheKey, data, statusCacheTTL)
		}
	}
	return snap, nil
}

// CompletionCheck 完工前置检查结果
type CompletionCheck struct {
	CanComplete bool     `json:"can_complete"`
	Blockers    []string `json:"blockers"`
}

// completionBlockers 逐条收集完工阻塞项，全部为空才允许完工
func completionBlockers(wo *entity.WorkOrder, batches []entity.ProductionBatch) []string {
	blockers := []string{}
	var produced, packed float64
	for i := range batches {
		b := &batches[i]
		produced += b.ProducedQty
		packed += b.PackedQty
		if b.IsOpen() {
			blockers = append(blockers, fmt.Sprintf("Batch #%d is still open", b.BatchNumber))
		}
	}
	if produced < wo.OrderedQty {
		blockers = append(blockers, fmt.Sprintf("Produced %g of %g ordered", produced, wo.OrderedQty))
	}
	for i := range batches {
		b := &batches[i]
		if !entity.GateSatisfied(b.FinalGate) {
			blockers = append(blockers, fmt.Sprintf("Batch #%d final QC not passed", b.BatchNumber))
		}
	}
	if packed <= 0 {
		blockers = append(blockers, "No quantity packed yet")
	}
	return blockers
}

// CheckCompletion 完工前置检查，只读不落库
func (s *RollupService) CheckCompletion(ctx context.Context, workOrderID string) (*CompletionCheck, error) {
	wo, err := s.woRepo.FindByID(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	blockers := completionBlockers(wo, wo.Batches)
	return &CompletionCheck{
		CanComplete: len(blockers) == 0,
		Blockers:    blockers,
	}, nil
}

// MarkComplete 工单完工。完工是单向操作，锁内重查阻塞项，
// 任何一条不满足都拒绝并在错误里列出全部阻塞项
func (s *RollupService) MarkComplete(ctx context.Context, workOrderID, operatorID string) (*entity.WorkOrder, error) {
	var wo entity.WorkOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", workOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，不允许重复完工", wo.WOCode)}
		}

		var batches []entity.ProductionBatch
		if err := tx.Where("work_order_id = ?", workOrderID).Order("batch_number ASC").Find(&batches).Error; err != nil {
			return err
		}
		if blockers := completionBlockers(&wo, batches); len(blockers) > 0 {
			return &CompletionBlockedError{WOCode: wo.WOCode, Blockers: blockers}
		}

		now := time.Now()
		wo.Completed = true
		wo.CompletedBy = operatorID
		wo.CompletedAt = &now
		wo.UpdatedAt = now
		return tx.Save(&wo).Error
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateStatusCache(ctx, workOrderID)
	s.activityRepo.LogActivity(ctx, "work_order", wo.ID, wo.WOCode, "complete", wo.Status, "completed",
		fmt.Sprintf("工单完工，订单数量 %g，累计发货 %g", wo.OrderedQty, wo.DispatchedQty), operatorID, nil)

	go s.sendCompletionNotification(context.Background(), wo)

	return &wo, nil
}

// sendCompletionNotification 发送工单完工飞书通知
func (s *RollupService) sendCompletionNotification(ctx context.Context, wo entity.WorkOrder) {
	if s.feishuClient == nil || s.notifyUserID == "" {
		return
	}

	card := feishu.NewWorkOrderCompletedCard(wo.WOCode, wo.ItemName, wo.OrderedQty, wo.DispatchedQty)
	if err := s.feishuClient.SendUserCard(ctx, s.notifyUserID, card); err != nil {
		log.Printf("[MES] 发送工单完工通知失败: %v", err)
	} else {
		log.Printf("[MES] 工单完工通知已发送: %s", wo.WOCode)
	}
}
