package handler

import (
	"net/http"
	"strings"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
)

// TestFullLifecycle walks one work order from creation to completion in a single batch
func TestFullLifecycle(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	if s := workOrderStatus(t, env, token, woID); s["status"] != "pending" {
		t.Fatalf("expected pending before first batch, got %v", s["status"])
	}

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	if s := workOrderStatus(t, env, token, woID); s["status"] != "in_production" {
		t.Fatalf("expected in_production with open batch, got %v", s["status"])
	}

	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 100)

	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/complete-production",
		map[string]interface{}{}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 completing production, got %d: %s", w.Code, w.Body.String())
	}

	packBatch(t, env, token, batchID, 100)
	if s := workOrderStatus(t, env, token, woID); s["status"] != "ready_to_dispatch" {
		t.Fatalf("expected ready_to_dispatch, got %v", s["status"])
	}

	dispatch := dispatchBatch(t, env, token, batchID, woID, 100)
	if no := dispatch["dispatch_no"].(string); !strings.HasPrefix(no, "DSP-") {
		t.Fatalf("expected DSP- prefixed dispatch no, got %s", no)
	}

	snap := workOrderStatus(t, env, token, woID)
	if snap["status"] != "fully_dispatched" {
		t.Fatalf("expected fully_dispatched, got %v", snap["status"])
	}
	if snap["dispatched_qty"].(float64) != 100 || snap["remaining_qty"].(float64) != 0 {
		t.Fatalf("unexpected snapshot quantities: %v", snap)
	}

	// All closure conditions met
	wc := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/work-orders/"+woID+"/completion-check", nil, token)
	check := testutil.ParseResponse(wc)["data"].(map[string]interface{})
	if !check["can_complete"].(bool) {
		t.Fatalf("expected can_complete, got blockers %v", check["blockers"])
	}

	wDone := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/work-orders/"+woID+"/complete", nil, token)
	if wDone.Code != http.StatusOK {
		t.Fatalf("expected 200 completing work order, got %d: %s", wDone.Code, wDone.Body.String())
	}

	var wo entity.WorkOrder
	env.DB.Where("id = ?", woID).First(&wo)
	if !wo.Completed || wo.CompletedAt == nil {
		t.Fatal("expected work order marked completed")
	}
}

// TestPartialFlowSecondBatch dispatches a partial quantity and verifies the successor batch
func TestPartialFlowSecondBatch(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	first := getCurrentBatch(t, env, token, woID)
	firstID := first["id"].(string)
	approveProductionGates(t, env, token, firstID)
	logProduction(t, env, token, woID, 60, 0)
	passFinalGate(t, env, token, firstID, 60)
	packBatch(t, env, token, firstID, 60)
	dispatchBatch(t, env, token, firstID, woID, 60)

	// Batch one is still open, so the order is partially dispatched
	if s := workOrderStatus(t, env, token, woID); s["status"] != "partially_dispatched" {
		t.Fatalf("expected partially_dispatched, got %v", s["status"])
	}

	// A later production event rotates the batch: the dispatch closes batch one
	// and spawns batch two, which then refuses work until its own gates clear
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/work-orders/"+woID+"/production-events",
		map[string]interface{}{"ok_qty": 10}, token)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 producing on fresh batch #2, got %d: %s", w.Code, w.Body.String())
	}

	wList := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/work-orders/"+woID+"/batches", nil, token)
	items := testutil.ParseResponse(wList)["data"].(map[string]interface{})["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(items))
	}
	var second map[string]interface{}
	for _, it := range items {
		if b := it.(map[string]interface{}); b["batch_number"].(float64) == 2 {
			second = b
		}
	}
	if second == nil {
		t.Fatal("batch #2 not found")
	}
	if second["trigger_reason"] != "post_dispatch" {
		t.Fatalf("expected post_dispatch trigger, got %v", second["trigger_reason"])
	}
	if second["batch_quantity"].(float64) != 40 {
		t.Fatalf("expected remaining quantity 40, got %v", second["batch_quantity"])
	}
	if second["previous_batch_id"] != firstID {
		t.Fatalf("expected previous batch link, got %v", second["previous_batch_id"])
	}

	// Nothing carries over from batch one
	if second["produced_qty"].(float64) != 0 || second["qc_approved_qty"].(float64) != 0 ||
		second["packed_qty"].(float64) != 0 || second["dispatched_qty"].(float64) != 0 {
		t.Fatalf("expected fresh quantities on batch #2, got %v", second)
	}
	if second["material_gate"] != "pending" || second["first_piece_gate"] != "pending" || second["final_gate"] != "pending" {
		t.Fatalf("expected fresh gates on batch #2, got %v", second)
	}

	var closed entity.ProductionBatch
	env.DB.Where("id = ?", firstID).First(&closed)
	if closed.State != entity.BatchStateClosedSuperseded || closed.EndedAt == nil {
		t.Fatalf("expected batch #1 closed_superseded, got %s", closed.State)
	}

	// get-or-create settles on batch #2
	if cur := getCurrentBatch(t, env, token, woID); cur["id"] != second["id"] {
		t.Fatalf("expected current batch #2, got %v", cur["id"])
	}
}

// TestDispatchBlockedByGate tests that an uncleared final gate blocks dispatch
func TestDispatchBlockedByGate(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 50, 0)

	// Packing is not gated
	packBatch(t, env, token, batchID, 50)

	// Final gate still pending
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 10}, token)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	if resp["code"].(float64) != 40300 {
		t.Fatalf("expected code 40300, got %v", resp["code"])
	}
	msg := resp["message"].(string)
	if !strings.Contains(msg, "批次#1") || !strings.Contains(msg, "final=pending") {
		t.Fatalf("expected gate detail in message, got %s", msg)
	}

	// A failed final round blocks just the same
	finalID := findPendingQC(t, env, token, batchID, "final")
	finalizeQC(t, env, token, finalID, "fail", 50)

	w2 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 10}, token)
	if w2.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after failed final, got %d: %s", w2.Code, w2.Body.String())
	}
	msg2 := testutil.ParseResponse(w2)["message"].(string)
	if !strings.Contains(msg2, "final=failed") || !strings.Contains(msg2, "终检合格 0") {
		t.Fatalf("expected gate detail in message, got %s", msg2)
	}

	var b entity.ProductionBatch
	env.DB.Where("id = ?", batchID).First(&b)
	if b.QCRejectedQty != 50 || b.DispatchedQty != 0 {
		t.Fatalf("expected rejected 50 dispatched 0, got %g/%g", b.QCRejectedQty, b.DispatchedQty)
	}
}

// TestDispatchQuantityExceeded tests the packed-stock balance checks
func TestDispatchQuantityExceeded(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 100)
	packBatch(t, env, token, batchID, 100)

	// More than packed
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 150}, token)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	if resp["code"].(float64) != 40901 || !strings.Contains(resp["message"].(string), "超过装箱余量") {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}

	// Zero quantity
	w2 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 0}, token)
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero quantity, got %d: %s", w2.Code, w2.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w2)["message"].(string), "发货数量必须大于零") {
		t.Fatalf("expected quantity message, got %s", w2.Body.String())
	}

	// Within balance
	dispatchBatch(t, env, token, batchID, woID, 30)

	// Balance shrank to 70
	w3 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 80}, token)
	if w3.Code != http.StatusConflict {
		t.Fatalf("expected 409 over remaining balance, got %d: %s", w3.Code, w3.Body.String())
	}

	dispatchBatch(t, env, token, batchID, woID, 70)

	var b entity.ProductionBatch
	env.DB.Where("id = ?", batchID).First(&b)
	if b.DispatchedQty != 100 {
		t.Fatalf("expected dispatched 100, got %g", b.DispatchedQty)
	}
}

// TestDispatchApprovedShortfall tests that dispatch cannot outrun final approval
func TestDispatchApprovedShortfall(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 60)
	packBatch(t, env, token, batchID, 100)

	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 80}, token)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w)["message"].(string), "超过终检合格余量") {
		t.Fatalf("expected approved balance message, got %s", w.Body.String())
	}

	dispatchBatch(t, env, token, batchID, woID, 60)
}

// TestDispatchNoPackedStock tests dispatch with nothing packed yet
func TestDispatchNoPackedStock(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 100)

	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 10}, token)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 with empty stock, got %d: %s", w.Code, w.Body.String())
	}
	if testutil.ParseResponse(w)["code"].(float64) != 40901 {
		t.Fatalf("expected code 40901, got %s", w.Body.String())
	}
}

// TestDispatchWrongWorkOrder tests the ownership check runs before everything else
func TestDispatchWrongWorkOrder(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)
	otherWoID := createTestWorkOrder(t, env, token, 50)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)

	// Gates are untouched, but the ownership failure wins
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": otherWoID, "quantity": 10}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w)["message"].(string), "不属于") {
		t.Fatalf("expected ownership message, got %s", w.Body.String())
	}
}

// TestDispatchValidateDryRun tests the validation endpoint without creating a dispatch
func TestDispatchValidateDryRun(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 100)
	packBatch(t, env, token, batchID, 50)

	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches/validate",
		map[string]interface{}{"work_order_id": woID, "quantity": 50}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !testutil.ParseResponse(w)["data"].(map[string]interface{})["allowed"].(bool) {
		t.Fatal("expected dispatch allowed")
	}

	w2 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches/validate",
		map[string]interface{}{"work_order_id": woID, "quantity": 80}, token)
	if w2.Code != http.StatusConflict {
		t.Fatalf("expected 409 over packed balance, got %d: %s", w2.Code, w2.Body.String())
	}

	// Dry runs leave no dispatch rows behind
	var count int64
	env.DB.Model(&entity.Dispatch{}).Where("batch_id = ?", batchID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no dispatch rows after dry runs, got %d", count)
	}
}

// TestPackValidation tests carton quantity rules and the completed freeze
func TestPackValidation(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)

	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/cartons",
		map[string]interface{}{"quantity": 0}, token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero quantity, got %d: %s", w.Code, w.Body.String())
	}

	w2 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/cartons",
		map[string]interface{}{"quantity": -5}, token)
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative quantity, got %d: %s", w2.Code, w2.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w2)["message"].(string), "装箱数量必须大于零") {
		t.Fatalf("expected quantity message, got %s", w2.Body.String())
	}

	env.DB.Model(&entity.WorkOrder{}).Where("id = ?", woID).Update("completed", true)
	w3 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/cartons",
		map[string]interface{}{"quantity": 10}, token)
	if w3.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 packing on completed order, got %d: %s", w3.Code, w3.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w3)["message"].(string), "已完工") {
		t.Fatalf("expected completed message, got %s", w3.Body.String())
	}
}

// TestCartonAndDispatchListing tests carton bookkeeping and carton-bound dispatches
func TestCartonAndDispatchListing(t *testing.T) {
	env, _ := setupMESTest(t)
	token := testutil.DefaultTestToken()
	woID := createTestWorkOrder(t, env, token, 100)

	batch := getCurrentBatch(t, env, token, woID)
	batchID := batch["id"].(string)
	approveProductionGates(t, env, token, batchID)
	logProduction(t, env, token, woID, 100, 0)
	passFinalGate(t, env, token, batchID, 100)

	carton := packBatch(t, env, token, batchID, 30)
	if no := carton["carton_no"].(string); !strings.HasPrefix(no, "CTN-") {
		t.Fatalf("expected CTN- prefixed carton no, got %s", no)
	}
	packBatch(t, env, token, batchID, 20)

	var b entity.ProductionBatch
	env.DB.Where("id = ?", batchID).First(&b)
	if b.PackedQty != 50 {
		t.Fatalf("expected packed 50 from carton sum, got %g", b.PackedQty)
	}

	wList := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/batches/"+batchID+"/cartons", nil, token)
	if wList.Code != http.StatusOK {
		t.Fatalf("expected 200 listing cartons, got %d: %s", wList.Code, wList.Body.String())
	}
	cartons := testutil.ParseResponse(wList)["data"].(map[string]interface{})
	if len(cartons["items"].([]interface{})) != 2 {
		t.Fatalf("expected 2 cartons, got %v", cartons["items"])
	}

	// Dispatch bound to a carton of this batch
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 25, "carton_id": carton["id"]}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A carton from another batch is refused
	otherWoID := createTestWorkOrder(t, env, token, 50)
	otherBatch := getCurrentBatch(t, env, token, otherWoID)
	otherCarton := packBatch(t, env, token, otherBatch["id"].(string), 15)
	w2 := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches",
		map[string]interface{}{"work_order_id": woID, "quantity": 10, "carton_id": otherCarton["id"]}, token)
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for foreign carton, got %d: %s", w2.Code, w2.Body.String())
	}
	if !strings.Contains(testutil.ParseResponse(w2)["message"].(string), "不属于批次") {
		t.Fatalf("expected carton ownership message, got %s", w2.Body.String())
	}

	wBatch := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/batches/"+batchID+"/dispatches", nil, token)
	batchDispatches := testutil.ParseResponse(wBatch)["data"].(map[string]interface{})
	if len(batchDispatches["items"].([]interface{})) != 1 {
		t.Fatalf("expected 1 dispatch on batch, got %v", batchDispatches["items"])
	}

	wWO := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/work-orders/"+woID+"/dispatches", nil, token)
	woDispatches := testutil.ParseResponse(wWO)["data"].(map[string]interface{})
	if len(woDispatches["items"].([]interface{})) != 1 {
		t.Fatalf("expected 1 dispatch on work order, got %v", woDispatches["items"])
	}
}
