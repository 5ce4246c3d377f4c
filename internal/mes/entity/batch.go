package entity

import "time"

// 批次状态机
const (
	BatchStateOpen             = "open"              // 在产
	BatchStateClosedSuperseded = "closed_superseded" // 被后继批次关闭
	BatchStateClosedComplete   = "closed_complete"   // 报完工关闭
)

// ValidBatchTransitions 合法的批次状态流转
// 关闭状态是终态，不允许回到open
var ValidBatchTransitions = map[string][]string{
	BatchStateOpen: {BatchStateClosedSuperseded, BatchStateClosedComplete},
}

// 开批原因
const (
	TriggerInitial      = "initial"       // 首个批次
	TriggerPostComplete = "post_complete" // 上一批次报完工但总产出未达订单数量
	TriggerPostDispatch = "post_dispatch" // 上一批次开批后发生过发货
	TriggerGapRestart   = "gap_restart"   // 上一批次停产超过闲置阈值
	TriggerResumed      = "resumed"       // 上一批次被手工关闭后恢复生产
)

// QC关卡类型
const (
	GateMaterial   = "material"
	GateFirstPiece = "first_piece"
	GateFinal      = "final"
)

// QC关卡状态
const (
	GateStatusPending = "pending"
	GateStatusPassed  = "passed"
	GateStatusFailed  = "failed"
	GateStatusRework  = "rework"
	GateStatusWaived  = "waived"
)

// GateSatisfied 关卡是否放行（通过或豁免）
func GateSatisfied(status string) bool {
	return status == GateStatusPassed || status == GateStatusWaived
}

// ProductionBatch 生产批次
// 一个工单的连续生产被切分为多个独立过检的批次，
// 新批次的三道关卡全部重置为pending、数量全部清零，不继承前一批次
type ProductionBatch struct {
	ID            string  `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	WorkOrderID   string  `json:"work_order_id" gorm:"type:uuid;not null;index"`
	BatchNumber   int     `json:"batch_number" gorm:"not null"` // 每个工单内从1连续递增
	TriggerReason string  `json:"trigger_reason" gorm:"size:20;not null"`
	State         string  `json:"state" gorm:"size:20;not null;default:open"`
	BatchQuantity float64 `json:"batch_quantity" gorm:"type:decimal(12,4);not null"` // 开批时的计划数量

	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	LastProductionAt *time.Time `json:"last_production_at"`

	ProducedQty float64 `json:"produced_qty" gorm:"type:decimal(12,4);not null;default:0"`
	ScrapQty    float64 `json:"scrap_qty" gorm:"type:decimal(12,4);not null;default:0"` // 生产过程报废，不参与QC数量

	MaterialGate     string     `json:"material_gate" gorm:"size:20;not null;default:pending"`
	MaterialGateBy   string     `json:"material_gate_by" gorm:"size:64"`
	MaterialGateAt   *time.Time `json:"material_gate_at"`
	FirstPieceGate   string     `json:"first_piece_gate" gorm:"size:20;not null;default:pending"`
	FirstPieceGateBy string     `json:"first_piece_gate_by" gorm:"size:64"`
	FirstPieceGateAt *time.Time `json:"first_piece_gate_at"`
	FinalGate        string     `json:"final_gate" gorm:"size:20;not null;default:pending"`
	FinalGateBy      string     `json:"final_gate_by" gorm:"size:64"`
	FinalGateAt      *time.Time `json:"final_gate_at"`

	QCApprovedQty float64 `json:"qc_approved_qty" gorm:"type:decimal(12,4);not null;default:0"` // 终检合格数，多轮累加
	QCRejectedQty float64 `json:"qc_rejected_qty" gorm:"type:decimal(12,4);not null;default:0"` // 终检不合格数，多轮累加
	PackedQty     float64 `json:"packed_qty" gorm:"type:decimal(12,4);not null;default:0"`      // 装箱数 = 批次箱单数量之和
	DispatchedQty float64 `json:"dispatched_qty" gorm:"type:decimal(12,4);not null;default:0"`

	ProductionAllowed bool `json:"production_allowed" gorm:"not null;default:false"`
	DispatchAllowed   bool `json:"dispatch_allowed" gorm:"not null;default:false"`

	ProductionComplete bool    `json:"production_complete" gorm:"not null;default:false"`
	CompletedQty       float64 `json:"completed_qty" gorm:"type:decimal(12,4);not null;default:0"`
	CompletedBy        string  `json:"completed_by" gorm:"size:64"`
	CompletedReason    string  `json:"completed_reason" gorm:"size:200"`

	PreviousBatchID *string `json:"previous_batch_id" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProductionBatch) TableName() string {
	return "mes_production_batches"
}

// RecomputeEligibility 重算放行标志
// production_allowed/dispatch_allowed 是其他组件判断资格的唯一接口，
// 必须和关卡字段在同一事务内更新，禁止在调用方临时推导
func (b *ProductionBatch) RecomputeEligibility() {
	b.ProductionAllowed = GateSatisfied(b.MaterialGate) && GateSatisfied(b.FirstPieceGate)
	b.DispatchAllowed = b.ProductionAllowed && GateSatisfied(b.FinalGate)
}

// IsOpen 批次是否仍在产
func (b *ProductionBatch) IsOpen() bool {
	return b.State == BatchStateOpen && !b.ProductionComplete
}
