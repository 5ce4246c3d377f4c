package service

import (
	"fmt"
	"strings"
)

// 业务错误按失败类别定义成独立类型，handler层用errors.As识别并映射HTTP错误码。
// 错误消息直接面向产线操作人员。

// ValidationError 入参或前置条件校验失败
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// GateNotSatisfiedError 关卡未放行时执行了需要放行的操作
// 必须带上批次号、三道关卡的当前状态和合格数量缺口，方便产线定位
type GateNotSatisfiedError struct {
	BatchNumber    int
	MaterialGate   string
	FirstPieceGate string
	FinalGate      string
	ApprovedQty    float64
	BatchQuantity  float64
	Operation      string
}

func (e *GateNotSatisfiedError) Error() string {
	return fmt.Sprintf("批次#%d 关卡未放行，不允许%s：material=%s first_piece=%s final=%s，终检合格 %g / 计划 %g",
		e.BatchNumber, e.Operation, e.MaterialGate, e.FirstPieceGate, e.FinalGate, e.ApprovedQty, e.BatchQuantity)
}

// QuantityExceededError 数量超过可用余量
type QuantityExceededError struct {
	BatchNumber int
	Kind        string // packed=装箱余量 approved=终检合格余量
	Requested   float64
	Available   float64
}

func (e *QuantityExceededError) Error() string {
	switch e.Kind {
	case "approved":
		return fmt.Sprintf("批次#%d 发货数量 %g 超过终检合格余量 %g", e.BatchNumber, e.Requested, e.Available)
	default:
		return fmt.Sprintf("批次#%d 发货数量 %g 超过装箱余量 %g", e.BatchNumber, e.Requested, e.Available)
	}
}

// ConcurrencyConflictError 并发事务冲突，调用方应重试
type ConcurrencyConflictError struct {
	Resource string
	Reason   string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("并发冲突（%s）：%s", e.Resource, e.Reason)
}

// ConsistencyViolation 数量不变量被破坏，事务必须整体回滚
// 出现该错误说明存量数据已脏，宁可中断也不写入半套汇总
type ConsistencyViolation struct {
	Invariant string
	Detail    string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("数据一致性校验失败（%s）：%s", e.Invariant, e.Detail)
}

// CompletionBlockedError 工单完工前置检查未通过，逐条列出阻塞项
type CompletionBlockedError struct {
	WOCode   string
	Blockers []string
}

func (e *CompletionBlockedError) Error() string {
	return fmt.Sprintf("工单 %s 未满足完工条件：%s", e.WOCode, strings.Join(e.Blockers, "; "))
}
