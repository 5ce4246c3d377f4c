package handler

import (
	"net/http"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
)

// TestDashboardSummary tests the aggregate counters across mixed work order states
func TestDashboardSummary(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()

	// One work order driven into production, one untouched
	woA := createTestWorkOrder(t, env, token, 100)
	createTestWorkOrder(t, env, token, 50)

	batchA := getCurrentBatch(t, env, token, woA)
	approveProductionGates(t, env, token, batchA["id"].(string))
	logProduction(t, env, token, woA, 10, 0)

	w := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/dashboard/summary", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := testutil.ParseResponse(w)["data"].(map[string]interface{})

	if data["total_work_orders"].(float64) != 2 {
		t.Fatalf("expected 2 work orders, got %v", data["total_work_orders"])
	}
	if data["pending"].(float64) != 1 {
		t.Fatalf("expected 1 pending, got %v", data["pending"])
	}
	if data["in_production"].(float64) != 1 {
		t.Fatalf("expected 1 in production, got %v", data["in_production"])
	}
	if data["open_batches"].(float64) != 1 {
		t.Fatalf("expected 1 open batch, got %v", data["open_batches"])
	}
	// Material and first piece were finalized, only the final gate record is left open
	if data["pending_qc_records"].(float64) != 1 {
		t.Fatalf("expected 1 pending QC record, got %v", data["pending_qc_records"])
	}
	if data["completed"].(float64) != 0 {
		t.Fatalf("expected 0 completed, got %v", data["completed"])
	}
	// No due dates were set
	if data["due_soon"].(float64) != 0 || data["overdue"].(float64) != 0 {
		t.Fatalf("expected 0 due_soon and 0 overdue, got %v/%v", data["due_soon"], data["overdue"])
	}
}
