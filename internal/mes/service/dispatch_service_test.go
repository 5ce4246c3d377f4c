package service

import (
	"errors"
	"strings"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
)

func dispatchableBatch() *entity.ProductionBatch {
	return &entity.ProductionBatch{
		WorkOrderID:       "wo-1",
		BatchNumber:       3,
		State:             entity.BatchStateOpen,
		BatchQuantity:     100,
		ProducedQty:       100,
		MaterialGate:      entity.GateStatusPassed,
		FirstPieceGate:    entity.GateStatusPassed,
		FinalGate:         entity.GateStatusPassed,
		ProductionAllowed: true,
		DispatchAllowed:   true,
		QCApprovedQty:     90,
		PackedQty:         80,
		DispatchedQty:     20,
	}
}

// TestValidateDispatch tests the check order: ownership, gate, packed balance,
// positive quantity, approved balance. The first failing check wins.
func TestValidateDispatch(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*entity.ProductionBatch)
		woID   string
		qty    float64
		want   string // "", "validation", "gate", "packed", "approved"
	}{
		{name: "within balance", woID: "wo-1", qty: 30, want: ""},
		{name: "exact packed balance", woID: "wo-1", qty: 60, want: ""},
		{name: "wrong work order", woID: "wo-2", qty: 30, want: "validation"},
		{
			name: "ownership beats gate",
			mutate: func(b *entity.ProductionBatch) {
				b.FinalGate = entity.GateStatusPending
				b.DispatchAllowed = false
			},
			woID: "wo-2", qty: 30, want: "validation",
		},
		{
			name: "gate closed",
			mutate: func(b *entity.ProductionBatch) {
				b.FinalGate = entity.GateStatusFailed
				b.DispatchAllowed = false
			},
			woID: "wo-1", qty: 30, want: "gate",
		},
		{
			name: "gate beats quantity",
			mutate: func(b *entity.ProductionBatch) {
				b.DispatchAllowed = false
			},
			woID: "wo-1", qty: 999, want: "gate",
		},
		{
			name: "no packed stock",
			mutate: func(b *entity.ProductionBatch) {
				b.PackedQty = 20
			},
			woID: "wo-1", qty: 10, want: "packed",
		},
		{
			name: "empty stock beats zero quantity",
			mutate: func(b *entity.ProductionBatch) {
				b.PackedQty = 20
			},
			woID: "wo-1", qty: 0, want: "packed",
		},
		{name: "over packed balance", woID: "wo-1", qty: 61, want: "packed"},
		{name: "zero quantity", woID: "wo-1", qty: 0, want: "validation"},
		{name: "negative quantity", woID: "wo-1", qty: -5, want: "validation"},
		{
			name: "over approved balance",
			mutate: func(b *entity.ProductionBatch) {
				b.PackedQty = 200
			},
			woID: "wo-1", qty: 100, want: "approved",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := dispatchableBatch()
			if tc.mutate != nil {
				tc.mutate(b)
			}
			err := validateDispatch(b, tc.woID, tc.qty)

			switch tc.want {
			case "":
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			case "validation":
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			case "gate":
				var ge *GateNotSatisfiedError
				if !errors.As(err, &ge) {
					t.Fatalf("expected GateNotSatisfiedError, got %v", err)
				}
				if ge.Operation != "发货" {
					t.Fatalf("expected dispatch operation, got %s", ge.Operation)
				}
			case "packed", "approved":
				var qe *QuantityExceededError
				if !errors.As(err, &qe) {
					t.Fatalf("expected QuantityExceededError, got %v", err)
				}
				if qe.Kind != tc.want {
					t.Fatalf("expected kind %s, got %s", tc.want, qe.Kind)
				}
			}
		})
	}
}

// TestQuantityExceededBalance tests the reported balances
func TestQuantityExceededBalance(t *testing.T) {
	b := dispatchableBatch()

	err := validateDispatch(b, "wo-1", 61)
	var qe *QuantityExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuantityExceededError, got %v", err)
	}
	if qe.Requested != 61 || qe.Available != 60 {
		t.Fatalf("expected 61 over balance 60, got %g/%g", qe.Requested, qe.Available)
	}
	if !strings.Contains(qe.Error(), "超过装箱余量") {
		t.Fatalf("expected packed balance message, got %s", qe.Error())
	}

	b.PackedQty = 200
	err = validateDispatch(b, "wo-1", 100)
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuantityExceededError, got %v", err)
	}
	if qe.Available != 70 {
		t.Fatalf("expected approved balance 70, got %g", qe.Available)
	}
	if !strings.Contains(qe.Error(), "超过终检合格余量") {
		t.Fatalf("expected approved balance message, got %s", qe.Error())
	}
}
