package entity

import "time"

// QC检验结果
const (
	QCResultPending = "pending" // 待检
	QCResultPass    = "pass"
	QCResultFail    = "fail"
	QCResultRework  = "rework"
	QCResultWaived  = "waived" // 特采放行
)

// TerminalQCResult 结果是否终结（终结后记录不可再改）
func TerminalQCResult(result string) bool {
	switch result {
	case QCResultPass, QCResultFail, QCResultRework, QCResultWaived:
		return true
	}
	return false
}

// GateStatusForResult 检验结果映射到批次关卡状态
func GateStatusForResult(result string) string {
	switch result {
	case QCResultPass:
		return GateStatusPassed
	case QCResultFail:
		return GateStatusFailed
	case QCResultRework:
		return GateStatusRework
	case QCResultWaived:
		return GateStatusWaived
	}
	return GateStatusPending
}

// QCRecord 质检记录
// 同一(工单,批次,关卡)同时只允许一条未终结记录，终结后不可变更
type QCRecord struct {
	ID           string     `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	QCCode       string     `json:"qc_code" gorm:"size:50;not null;uniqueIndex"`
	WorkOrderID  string     `json:"work_order_id" gorm:"type:uuid;not null;index"`
	BatchID      string     `json:"batch_id" gorm:"type:uuid;not null;index"`
	GateType     string     `json:"gate_type" gorm:"size:20;not null"` // material/first_piece/final
	Result       string     `json:"result" gorm:"size:20;not null;default:pending"`
	InspectedQty float64    `json:"inspected_qty" gorm:"type:decimal(12,4);not null;default:0"`
	Approver     string     `json:"approver" gorm:"size:64"`
	FinalizedAt  *time.Time `json:"finalized_at"`
	ReportKey    string     `json:"report_key" gorm:"size:200"` // 检验报告对象存储key
	Remark       string     `json:"remark" gorm:"size:500"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (QCRecord) TableName() string {
	return "mes_qc_records"
}
