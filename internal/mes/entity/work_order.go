package entity

import "time"

// 工单综合状态（按批次汇总推导，只由汇总器写入）
const (
	WOStatusPending             = "pending"               // 未投产
	WOStatusInProduction        = "in_production"         // 生产中
	WOStatusPartiallyApproved   = "partially_qc_approved" // 部分终检合格
	WOStatusReadyToDispatch     = "ready_to_dispatch"     // 可发货
	WOStatusPartiallyDispatched = "partially_dispatched"  // 部分发货，仍有在产批次
	WOStatusAwaitingNextBatch   = "awaiting_next_batch"   // 部分发货，无在产批次
	WOStatusFullyDispatched     = "fully_dispatched"      // 全部发货
)

// WorkOrder 生产工单
// 数量汇总字段和综合状态只允许汇总器从批次明细重算写入，其他代码一律只读
type WorkOrder struct {
	ID         string     `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	WOCode     string     `json:"wo_code" gorm:"size:50;not null;uniqueIndex"`
	ItemCode   string     `json:"item_code" gorm:"size:64;not null;index"`
	ItemName   string     `json:"item_name" gorm:"size:128"`
	OrderedQty float64    `json:"ordered_qty" gorm:"type:decimal(12,4);not null"` // 订单数量，可修订
	DueDate    *time.Time `json:"due_date"`

	ProducedQty   float64 `json:"produced_qty" gorm:"type:decimal(12,4);not null;default:0"`
	QCApprovedQty float64 `json:"qc_approved_qty" gorm:"type:decimal(12,4);not null;default:0"`
	QCRejectedQty float64 `json:"qc_rejected_qty" gorm:"type:decimal(12,4);not null;default:0"`
	PackedQty     float64 `json:"packed_qty" gorm:"type:decimal(12,4);not null;default:0"`
	DispatchedQty float64 `json:"dispatched_qty" gorm:"type:decimal(12,4);not null;default:0"`
	RemainingQty  float64 `json:"remaining_qty" gorm:"type:decimal(12,4);not null;default:0"` // 待产数量 = ordered - produced，下限0

	Status      string     `json:"status" gorm:"size:30;not null;default:pending"`
	Completed   bool       `json:"completed" gorm:"not null;default:false"` // 完工单向，不可回退
	CompletedBy string     `json:"completed_by" gorm:"size:64"`
	CompletedAt *time.Time `json:"completed_at"`

	Notes     string    `json:"notes" gorm:"size:500"`
	CreatedBy string    `json:"created_by" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Batches []ProductionBatch `json:"batches,omitempty" gorm:"foreignKey:WorkOrderID"`
}

func (WorkOrder) TableName() string {
	return "mes_work_orders"
}
