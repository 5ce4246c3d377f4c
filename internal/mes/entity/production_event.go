package entity

import "time"

// 报工来源
const (
	EventSourceAPI    = "api"
	EventSourceImport = "import" // CSV批量导入
)

// ProductionEvent 报工记录
// 只追加不修改，批次产量随行累计
type ProductionEvent struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	WorkOrderID string    `json:"work_order_id" gorm:"type:uuid;not null;index"`
	BatchID     string    `json:"batch_id" gorm:"type:uuid;not null;index"`
	OKQty       float64   `json:"ok_qty" gorm:"type:decimal(12,4);not null"`
	ScrapQty    float64   `json:"scrap_qty" gorm:"type:decimal(12,4);not null;default:0"`
	ReportedBy  string    `json:"reported_by" gorm:"size:64;not null"`
	Source      string    `json:"source" gorm:"size:20;not null;default:api"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ProductionEvent) TableName() string {
	return "mes_production_events"
}
