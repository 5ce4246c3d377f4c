package entity

import "time"

// Dispatch 发货记录
// 只引用批次和箱单，不拥有它们；创建时必须满足
// quantity <= batch.qc_approved_qty - batch.dispatched_qty 且终检放行
type Dispatch struct {
	ID           string    `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	DispatchNo   string    `json:"dispatch_no" gorm:"size:50;not null;uniqueIndex"`
	WorkOrderID  string    `json:"work_order_id" gorm:"type:uuid;not null;index"`
	BatchID      string    `json:"batch_id" gorm:"type:uuid;not null;index"`
	CartonID     *string   `json:"carton_id" gorm:"type:uuid"`
	Quantity     float64   `json:"quantity" gorm:"type:decimal(12,4);not null"`
	DispatchedBy string    `json:"dispatched_by" gorm:"size:64;not null"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Remark       string    `json:"remark" gorm:"size:500"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Dispatch) TableName() string {
	return "mes_dispatches"
}
