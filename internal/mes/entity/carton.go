package entity

import "time"

// Carton 装箱单元
// 批次packed_qty = 该批次所有箱单数量之和
type Carton struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	CartonNo    string    `json:"carton_no" gorm:"size:50;not null;uniqueIndex"`
	WorkOrderID string    `json:"work_order_id" gorm:"type:uuid;not null;index"`
	BatchID     string    `json:"batch_id" gorm:"type:uuid;not null;index"`
	Quantity    float64   `json:"quantity" gorm:"type:decimal(12,4);not null"`
	PackedBy    string    `json:"packed_by" gorm:"size:64;not null"`
	PackedAt    time.Time `json:"packed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Carton) TableName() string {
	return "mes_cartons"
}
