package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// BatchRepository 生产批次仓库
type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// FindByID 根据ID查找批次
func (r *BatchRepository) FindByID(ctx context.Context, id string) (*entity.ProductionBatch, error) {
	var batch entity.ProductionBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// FindByWorkOrder 查询工单全部批次，按批次号升序
func (r *BatchRepository) FindByWorkOrder(ctx context.Context, workOrderID string) ([]entity.ProductionBatch, error) {
	var items []entity.ProductionBatch
	err := r.db.WithContext(ctx).
		Where("work_order_id = ?", workOrderID).
		Order("batch_number ASC").
		Find(&items).Error
	return items, err
}

