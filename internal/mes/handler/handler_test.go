package handler

import (
	"net/http"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
)

// setupMESTest wires the full MES stack against an isolated test schema.
// Redis, MinIO and Feishu clients are left nil, the services degrade gracefully.
func setupMESTest(t *testing.T) (*testutil.TestEnv, *Handlers) {
	t.Helper()
	db := testutil.SetupTestDB(t)

	repos := repository.NewRepositories(db)
	rollupSvc := service.NewRollupService(repos.WorkOrder, repos.ActivityLog, db, nil)
	qcSvc := service.NewQCService(repos.QCRecord, repos.Batch, repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	batchSvc := service.NewBatchService(repos.Batch, repos.WorkOrder, repos.ActivityLog, qcSvc, rollupSvc, db, 7)
	productionSvc := service.NewProductionService(repos.ProductionEvent, repos.ActivityLog, batchSvc, qcSvc, rollupSvc, db)
	dispatchSvc := service.NewDispatchService(repos.Dispatch, repos.Carton, repos.Batch, repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	woSvc := service.NewWorkOrderService(repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	dashboardSvc := service.NewDashboardService(db)

	h := NewHandlers(woSvc, batchSvc, productionSvc, qcSvc, dispatchSvc, rollupSvc, dashboardSvc)

	router := testutil.SetupRouter()
	api := testutil.AuthGroup(router, "/api/v1/mes")

	workOrders := api.Group("/work-orders")
	workOrders.GET("", h.WorkOrder.List)
	workOrders.POST("", h.WorkOrder.Create)
	workOrders.GET("/export", h.WorkOrder.Export)
	workOrders.GET("/:id", h.WorkOrder.Get)
	workOrders.PUT("/:id", h.WorkOrder.Update)
	workOrders.PUT("/:id/quantity", h.WorkOrder.ReviseQuantity)
	workOrders.GET("/:id/status", h.WorkOrder.GetStatus)
	workOrders.GET("/:id/completion-check", h.WorkOrder.CheckCompletion)
	workOrders.POST("/:id/complete", h.WorkOrder.Complete)
	workOrders.GET("/:id/activities", h.WorkOrder.Activities)
	workOrders.GET("/:id/batches", h.Batch.List)
	workOrders.POST("/:id/batches/current", h.Batch.Current)
	workOrders.POST("/:id/production-events", h.Production.Log)
	workOrders.GET("/:id/production-events", h.Production.List)
	workOrders.GET("/:id/dispatches", h.Dispatch.ListWorkOrderDispatches)

	batches := api.Group("/batches")
	batches.GET("/:id", h.Batch.Get)
	batches.POST("/:id/complete-production", h.Batch.CompleteProduction)
	batches.POST("/:id/close", h.Batch.Close)
	batches.POST("/:id/cartons", h.Dispatch.Pack)
	batches.GET("/:id/cartons", h.Dispatch.ListCartons)
	batches.POST("/:id/dispatches/validate", h.Dispatch.Validate)
	batches.POST("/:id/dispatches", h.Dispatch.Create)
	batches.GET("/:id/dispatches", h.Dispatch.ListBatchDispatches)

	qcRecords := api.Group("/qc-records")
	qcRecords.GET("", h.QC.List)
	qcRecords.POST("", h.QC.Open)
	qcRecords.GET("/:id", h.QC.Get)
	qcRecords.POST("/:id/finalize", h.QC.Finalize)

	api.GET("/dashboard/summary", h.Dashboard.Summary)

	return &testutil.TestEnv{DB: db, Router: router, T: t}, h
}

// createTestWorkOrder creates a work order through the API and returns its id
func createTestWorkOrder(t *testing.T, env *testutil.TestEnv, token string, orderedQty float64) string {
	t.Helper()
	body := map[string]interface{}{
		"item_code":   "ITEM-001",
		"item_name":   "智能手环主板",
		"ordered_qty": orderedQty,
	}
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/work-orders", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating work order, got %d: %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	return resp["data"].(map[string]interface{})["id"].(string)
}

// getCurrentBatch resolves the work order's current batch through the API
func getCurrentBatch(t *testing.T, env *testutil.TestEnv, token, woID string) map[string]interface{} {
	t.Helper()
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/work-orders/"+woID+"/batches/current", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 resolving current batch, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}

// findPendingQC returns the id of the single pending QC record for a batch gate
func findPendingQC(t *testing.T, env *testutil.TestEnv, token, batchID, gateType string) string {
	t.Helper()
	w := testutil.DoRequest(env.Router, http.MethodGet,
		"/api/v1/mes/qc-records?batch_id="+batchID+"&gate_type="+gateType+"&result=pending", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 listing QC records, got %d: %s", w.Code, w.Body.String())
	}
	items := testutil.ParseResponse(w)["data"].(map[string]interface{})["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected one pending %s QC record for batch %s, got %d", gateType, batchID, len(items))
	}
	return items[0].(map[string]interface{})["id"].(string)
}

// finalizeQC finalizes a QC record with the given result and inspected quantity
func finalizeQC(t *testing.T, env *testutil.TestEnv, token, recordID, result string, qty float64) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"result": result, "inspected_qty": qty}
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/qc-records/"+recordID+"/finalize", body, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 finalizing QC record, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}

// approveProductionGates passes the material and first-piece gates of a batch
func approveProductionGates(t *testing.T, env *testutil.TestEnv, token, batchID string) {
	t.Helper()
	for _, gate := range []string{"material", "first_piece"} {
		recordID := findPendingQC(t, env, token, batchID, gate)
		finalizeQC(t, env, token, recordID, "pass", 0)
	}
}

// logProduction reports production output for a work order's current batch
func logProduction(t *testing.T, env *testutil.TestEnv, token, woID string, okQty, scrapQty float64) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"ok_qty": okQty, "scrap_qty": scrapQty}
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/work-orders/"+woID+"/production-events", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 logging production, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}

// passFinalGate finalizes the pending final QC record of a batch as pass
func passFinalGate(t *testing.T, env *testutil.TestEnv, token, batchID string, qty float64) {
	t.Helper()
	recordID := findPendingQC(t, env, token, batchID, "final")
	finalizeQC(t, env, token, recordID, "pass", qty)
}

// packBatch creates a carton for a batch
func packBatch(t *testing.T, env *testutil.TestEnv, token, batchID string, qty float64) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"quantity": qty}
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/cartons", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 packing carton, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}

// dispatchBatch creates a dispatch for a batch
func dispatchBatch(t *testing.T, env *testutil.TestEnv, token, batchID, woID string, qty float64) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"work_order_id": woID, "quantity": qty}
	w := testutil.DoRequest(env.Router, http.MethodPost, "/api/v1/mes/batches/"+batchID+"/dispatches", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 dispatching, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}

// workOrderStatus reads the status snapshot of a work order
func workOrderStatus(t *testing.T, env *testutil.TestEnv, token, woID string) map[string]interface{} {
	t.Helper()
	w := testutil.DoRequest(env.Router, http.MethodGet, "/api/v1/mes/work-orders/"+woID+"/status", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 reading status, got %d: %s", w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)["data"].(map[string]interface{})
}
