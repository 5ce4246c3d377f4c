package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// DispatchRepository 发货记录仓库
type DispatchRepository struct {
	db *gorm.DB
}

func NewDispatchRepository(db *gorm.DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

// FindByBatch 查询批次全部发货记录
func (r *DispatchRepository) FindByBatch(ctx context.Context, batchID string) ([]entity.Dispatch, error) {
	var items []entity.Dispatch
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("dispatched_at ASC").
		Find(&items).Error
	return items, err
}

// FindByWorkOrder 查询工单全部发货记录
func (r *DispatchRepository) FindByWorkOrder(ctx context.Context, workOrderID string) ([]entity.Dispatch, error) {
	var items []entity.Dispatch
	err := r.db.WithContext(ctx).
		Where("work_order_id = ?", workOrderID).
		Order("dispatched_at ASC").
		Find(&items).Error
	return items, err
}

// GenerateNo 生成发货单号 DSP-{year}-{4位}
func (r *DispatchRepository) GenerateNo(ctx context.Context) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("DSP-%s-", year)

	var maxNo string
	err := r.db.WithContext(ctx).
		Model(&entity.Dispatch{}).
		Select("COALESCE(MAX(dispatch_no), '')").
		Where("dispatch_no LIKE ?", prefix+"%").
		Scan(&maxNo).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxNo != "" {
		fmt.Sscanf(maxNo, "DSP-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("DSP-%s-%04d", year, seq), nil
}
