package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// CartonRepository 箱单仓库
type CartonRepository struct {
	db *gorm.DB
}

func NewCartonRepository(db *gorm.DB) *CartonRepository {
	return &CartonRepository{db: db}
}

// FindByBatch 查询批次全部箱单
func (r *CartonRepository) FindByBatch(ctx context.Context, batchID string) ([]entity.Carton, error) {
	var items []entity.Carton
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("packed_at ASC").
		Find(&items).Error
	return items, err
}

// GenerateNo 生成箱单号 CTN-{year}-{6位}
func (r *CartonRepository) GenerateNo(ctx context.Context) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("CTN-%s-", year)

	var maxNo string
	err := r.db.WithContext(ctx).
		Model(&entity.Carton{}).
		Select("COALESCE(MAX(carton_no), '')").
		Where("carton_no LIKE ?", prefix+"%").
		Scan(&maxNo).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxNo != "" {
		fmt.Sscanf(maxNo, "CTN-"+year+"-%06d", &seq)
	}
	seq++
	return fmt.Sprintf("CTN-%s-%06d", year, seq), nil
}
