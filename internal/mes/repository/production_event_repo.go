package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// ProductionEventRepository 报工记录仓库
type ProductionEventRepository struct {
	db *gorm.DB
}

func NewProductionEventRepository(db *gorm.DB) *ProductionEventRepository {
	return &ProductionEventRepository{db: db}
}

// FindByWorkOrder 查询工单报工记录，按发生时间倒序
func (r *ProductionEventRepository) FindByWorkOrder(ctx context.Context, workOrderID string, page, pageSize int) ([]entity.ProductionEvent, int64, error) {
	var items []entity.ProductionEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ProductionEvent{}).
		Where("work_order_id = ?", workOrderID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("occurred_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}
