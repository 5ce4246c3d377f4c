package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Repositories MES仓库集合
type Repositories struct {
	WorkOrder       *WorkOrderRepository
	Batch           *BatchRepository
	QCRecord        *QCRecordRepository
	Carton          *CartonRepository
	Dispatch        *DispatchRepository
	ProductionEvent *ProductionEventRepository
	ActivityLog     *ActivityLogRepository

	db *gorm.DB
}

// NewRepositories 创建MES仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		WorkOrder:       NewWorkOrderRepository(db),
		Batch:           NewBatchRepository(db),
		QCRecord:        NewQCRecordRepository(db),
		Carton:          NewCartonRepository(db),
		Dispatch:        NewDispatchRepository(db),
		ProductionEvent: NewProductionEventRepository(db),
		ActivityLog:     NewActivityLogRepository(db),
		db:              db,
	}
}

// DB 返回底层连接，用于跨仓库事务
func (r *Repositories) DB() *gorm.DB {
	return r.db
}
