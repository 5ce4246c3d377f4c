package service

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// DashboardService 生产看板服务
type DashboardService struct {
	db *gorm.DB
}

func NewDashboardService(db *gorm.DB) *DashboardService {
	return &DashboardService{db: db}
}

// DashboardSummary 工单看板汇总
type DashboardSummary struct {
	TotalWorkOrders     int `json:"total_work_orders"`
	Pending             int `json:"pending"`
	InProduction        int `json:"in_production"`
	PartiallyApproved   int `json:"partially_qc_approved"`
	ReadyToDispatch     int `json:"ready_to_dispatch"`
	PartiallyDispatched int `json:"partially_dispatched"`
	AwaitingNextBatch   int `json:"awaiting_next_batch"`
	FullyDispatched     int `json:"fully_dispatched"`
	Completed           int `json:"completed"`
	DueSoon             int `json:"due_soon"` // 7天内到期且未完工
	Overdue             int `json:"overdue"`
	OpenBatches         int `json:"open_batches"`
	PendingQCRecords    int `json:"pending_qc_records"`
}

// GetSummary 获取看板汇总
func (s *DashboardService) GetSummary(ctx context.Context) (*DashboardSummary, error) {
	summary := &DashboardSummary{}

	row := s.db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN status = 'pending' THEN 1 END) AS pending,
			COUNT(CASE WHEN status = 'in_production' THEN 1 END) AS in_production,
			COUNT(CASE WHEN status = 'partially_qc_approved' THEN 1 END) AS partially_approved,
			COUNT(CASE WHEN status = 'ready_to_dispatch' THEN 1 END) AS ready_to_dispatch,
			COUNT(CASE WHEN status = 'partially_dispatched' THEN 1 END) AS partially_dispatched,
			COUNT(CASE WHEN status = 'awaiting_next_batch' THEN 1 END) AS awaiting_next_batch,
			COUNT(CASE WHEN status = 'fully_dispatched' THEN 1 END) AS fully_dispatched,
			COUNT(CASE WHEN completed THEN 1 END) AS completed,
			COUNT(CASE WHEN due_date IS NOT NULL AND due_date >= NOW() AND due_date < NOW() + INTERVAL '7 days' AND NOT completed THEN 1 END) AS due_soon,
			COUNT(CASE WHEN due_date IS NOT NULL AND due_date < NOW() AND NOT completed THEN 1 END) AS overdue
		FROM mes_work_orders
	`).Row()

	if err := row.Scan(
		&summary.TotalWorkOrders,
		&summary.Pending,
		&summary.InProduction,
		&summary.PartiallyApproved,
		&summary.ReadyToDispatch,
		&summary.PartiallyDispatched,
		&summary.AwaitingNextBatch,
		&summary.FullyDispatched,
		&summary.Completed,
		&summary.DueSoon,
		&summary.Overdue,
	); err != nil {
		return summary, nil // 没有数据时返回空汇总
	}

	var openBatches int64
	s.db.WithContext(ctx).Model(&entity.ProductionBatch{}).
		Where("state = ? AND NOT production_complete", entity.BatchStateOpen).
		Count(&openBatches)
	summary.OpenBatches = int(openBatches)

	var pendingQC int64
	s.db.WithContext(ctx).Model(&entity.QCRecord{}).
		Where("result = ?", entity.QCResultPending).
		Count(&pendingQC)
	summary.PendingQCRecords = int(pendingQC)

	return summary, nil
}
