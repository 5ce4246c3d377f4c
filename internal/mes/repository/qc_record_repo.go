package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// QCRecordRepository 质检记录仓库
type QCRecordRepository struct {
	db *gorm.DB
}

func NewQCRecordRepository(db *gorm.DB) *QCRecordRepository {
	return &QCRecordRepository{db: db}
}

// FindAll 查询质检记录列表
func (r *QCRecordRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.QCRecord, int64, error) {
	var items []entity.QCRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.QCRecord{})

	if woID := filters["work_order_id"]; woID != "" {
		query = query.Where("work_order_id = ?", woID)
	}
	if batchID := filters["batch_id"]; batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}
	if gate := filters["gate_type"]; gate != "" {
		query = query.Where("gate_type = ?", gate)
	}
	if result := filters["result"]; result != "" {
		query = query.Where("result = ?", result)
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

// FindByID 根据ID查找质检记录
func (r *QCRecordRepository) FindByID(ctx context.Context, id string) (*entity.QCRecord, error) {
	var record entity.QCRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindOpen 查找(工单,批次,关卡)下未终结的记录
func (r *QCRecordRepository) FindOpen(ctx context.Context, workOrderID, batchID, gateType string) (*entity.QCRecord, error) {
	var record entity.QCRecord
	err := r.db.WithContext(ctx).
		Where("work_order_id = ? AND batch_id = ? AND gate_type = ? AND result = ?",
			workOrderID, batchID, gateType, entity.QCResultPending).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Create 创建质检记录
func (r *QCRecordRepository) Create(ctx context.Context, record *entity.QCRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Update 更新质检记录
func (r *QCRecordRepository) Update(ctx context.Context, record *entity.QCRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}

// GenerateCode 生成质检单编码 QC-{year}-{4位}
func (r *QCRecordRepository) GenerateCode(ctx context.Context) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("QC-%s-", year)

	var maxCode string
	err := r.db.WithContext(ctx).
		Model(&entity.QCRecord{}).
		Select("COALESCE(MAX(qc_code), '')").
		Where("qc_code LIKE ?", prefix+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, "QC-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("QC-%s-%04d", year, seq), nil
}
