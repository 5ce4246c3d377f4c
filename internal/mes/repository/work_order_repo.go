package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// WorkOrderRepository 工单仓库
type WorkOrderRepository struct {
	db *gorm.DB
}

func NewWorkOrderRepository(db *gorm.DB) *WorkOrderRepository {
	return &WorkOrderRepository{db: db}
}

// FindAll 查询工单列表
func (r *WorkOrderRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.WorkOrder, int64, error) {
	var items []entity.WorkOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.WorkOrder{})

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if completed := filters["completed"]; completed != "" {
		query = query.Where("completed = ?", completed == "true")
	}
	if search := filters["search"]; search != "" {
		query = query.Where("wo_code ILIKE ? OR item_code ILIKE ? OR item_name ILIKE ?",
			"%"+search+"%", "%"+search+"%", "%"+search+"%")
	}
	if dueBefore := filters["due_before"]; dueBefore != "" {
		query = query.Where("due_date <= ?", dueBefore)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}

// FindByID 根据ID查找工单（含批次，按批次号升序）
func (r *WorkOrderRepository) FindByID(ctx context.Context, id string) (*entity.WorkOrder, error) {
	var wo entity.WorkOrder
	err := r.db.WithContext(ctx).
		Preload("Batches", func(db *gorm.DB) *gorm.DB {
			return db.Order("batch_number ASC")
		}).
		Where("id = ?", id).
		First(&wo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &wo, nil
}

// Create 创建工单
func (r *WorkOrderRepository) Create(ctx context.Context, wo *entity.WorkOrder) error {
	return r.db.WithContext(ctx).Create(wo).Error
}

// Update 更新工单
func (r *WorkOrderRepository) Update(ctx context.Context, wo *entity.WorkOrder) error {
	return r.db.WithContext(ctx).Save(wo).Error
}

// GenerateCode 生成工单编码 WO-{year}-{4位}
func (r *WorkOrderRepository) GenerateCode(ctx context.Context) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("WO-%s-", year)

	var maxCode string
	err := r.db.WithContext(ctx).
		Model(&entity.WorkOrder{}).
		Select("COALESCE(MAX(wo_code), '')").
		Where("wo_code LIKE ?", prefix+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, "WO-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("WO-%s-%04d", year, seq), nil
}
