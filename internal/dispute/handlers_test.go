package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/swifthaul/payhold/internal/escrow"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service, *escrow.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, ledger := newTestService()
	h := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterProtectedRoutes(v1)
	admin := r.Group("/v1/admin")
	h.RegisterAdminRoutes(admin)
	return r, svc, ledger
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func TestFileDispute_HTTP(t *testing.T) {
	r, _, ledger := newTestRouter(t)
	tx := heldEscrow(t, ledger)

	w, resp := doJSON(t, r, http.MethodPost, "/v1/disputes", gin.H{
		"escrowId":       tx.ID,
		"raisedBy":       "payer",
		"raisedByUserId": "rider_1",
		"reason":         "not_delivered",
		"description":    "driver never arrived",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	d := resp["dispute"].(map[string]interface{})
	if d["status"] != "open" || d["priority"] != "medium" {
		t.Errorf("dispute = %v", d)
	}

	// Second filing against the same escrow conflicts.
	w, resp = doJSON(t, r, http.MethodPost, "/v1/disputes", gin.H{
		"escrowId":       tx.ID,
		"raisedBy":       "payee",
		"raisedByUserId": "driver_1",
		"reason":         "payment_short",
	})
	if w.Code != http.StatusConflict || resp["error"] != "duplicate_dispute" {
		t.Errorf("duplicate: status = %d, error = %v", w.Code, resp["error"])
	}
}

func TestFileDispute_HTTPValidation(t *testing.T) {
	r, _, ledger := newTestRouter(t)
	tx := heldEscrow(t, ledger)

	// Missing required fields.
	w, resp := doJSON(t, r, http.MethodPost, "/v1/disputes", gin.H{"escrowId": tx.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	// Filing for someone else's escrow is forbidden.
	w, resp = doJSON(t, r, http.MethodPost, "/v1/disputes", gin.H{
		"escrowId":       tx.ID,
		"raisedBy":       "payer",
		"raisedByUserId": "impostor",
		"reason":         "not_delivered",
	})
	if w.Code != http.StatusForbidden || resp["error"] != "invalid_party" {
		t.Errorf("impostor: status = %d, error = %v", w.Code, resp["error"])
	}

	// Unknown escrow.
	w, resp = doJSON(t, r, http.MethodPost, "/v1/disputes", gin.H{
		"escrowId":       "esc_missing",
		"raisedBy":       "payer",
		"raisedByUserId": "rider_1",
		"reason":         "not_delivered",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing escrow: status = %d", w.Code)
	}
}

func TestGetDispute_HTTP(t *testing.T) {
	r, svc, ledger := newTestRouter(t)
	d := fileDispute(t, svc, heldEscrow(t, ledger))

	w, resp := doJSON(t, r, http.MethodGet, "/v1/disputes/"+d.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["dispute"].(map[string]interface{})["id"] != d.ID {
		t.Error("wrong dispute returned")
	}

	w, _ = doJSON(t, r, http.MethodGet, "/v1/disputes/dsp_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", w.Code)
	}
}

func TestAdminDisputeQueue_HTTP(t *testing.T) {
	r, svc, ledger := newTestRouter(t)
	d := fileDispute(t, svc, heldEscrow(t, ledger))

	w, resp := doJSON(t, r, http.MethodGet, "/v1/admin/disputes?status=open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if int(resp["count"].(float64)) != 1 {
		t.Errorf("count = %v, want 1", resp["count"])
	}

	w, resp = doJSON(t, r, http.MethodGet, "/v1/admin/disputes?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status: %d", w.Code)
	}

	w, resp = doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/investigate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("investigate: status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["dispute"].(map[string]interface{})["status"] != "investigating" {
		t.Errorf("status = %v", resp["dispute"])
	}
}

func TestCloseDispute_HTTP(t *testing.T) {
	r, svc, ledger := newTestRouter(t)
	tx := heldEscrow(t, ledger)
	d := fileDispute(t, svc, tx)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/close", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing reason: status = %d", w.Code)
	}

	w, resp := doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/close",
		gin.H{"reason": "withdrawn"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp["dispute"].(map[string]interface{})["status"] != "closed" {
		t.Errorf("dispute = %v", resp["dispute"])
	}

	// Closing again conflicts with the terminal state.
	w, resp = doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/close",
		gin.H{"reason": "again"})
	if w.Code != http.StatusConflict || resp["error"] != "already_closed" {
		t.Errorf("double close: status = %d, error = %v", w.Code, resp["error"])
	}
}

func TestAnnotateDispute_HTTP(t *testing.T) {
	r, svc, ledger := newTestRouter(t)
	d := fileDispute(t, svc, heldEscrow(t, ledger))

	w, _ := doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/annotations",
		gin.H{"note": "called both parties"})
	if w.Code != http.StatusCreated {
		t.Fatalf("annotate: status = %d, body = %s", w.Code, w.Body.String())
	}

	w, _ = doJSON(t, r, http.MethodPost, "/v1/admin/disputes/"+d.ID+"/annotations", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing note: status = %d", w.Code)
	}
}
