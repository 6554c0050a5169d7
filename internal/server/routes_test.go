package server

import (
	"context"
	"net/http"
	"regexp"
	"testing"

	"github.com/mnemo-io/mnemo/internal/ledger"
)

var memoryIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

func storeMemory(t *testing.T, srv *Server, key, owner, content string, tags []string) string {
	t.Helper()

	code, body := do(t, srv, "POST", "/api/memories", key, map[string]any{
		"owner_id": owner,
		"content":  content,
		"tags":     tags,
	})
	if code != http.StatusCreated {
		t.Fatalf("store: status = %d, body = %v", code, body)
	}
	id, _ := body["memory_id"].(string)
	if !memoryIDPattern.MatchString(id) {
		t.Fatalf("store: memory_id = %q", id)
	}
	return id
}

func TestStoreAndRetrieveFlow(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	id := storeMemory(t, srv, key, "agent-1", "the launch code is 1234", []string{"secrets"})

	code, body := do(t, srv, "GET", "/api/memories/"+id, key, nil)
	if code != http.StatusOK {
		t.Fatalf("retrieve: status = %d, body = %v", code, body)
	}
	memory, ok := body["memory"].(map[string]any)
	if !ok {
		t.Fatalf("retrieve: no memory object in %v", body)
	}
	if memory["content"] != "the launch code is 1234" {
		t.Errorf("content = %v", memory["content"])
	}
	if memory["owner_id"] != "agent-1" {
		t.Errorf("owner_id = %v", memory["owner_id"])
	}

	// store (1) + retrieve (1) against a balance of 10.
	code, body = do(t, srv, "GET", "/api/balance", key, nil)
	if code != http.StatusOK {
		t.Fatalf("balance: status = %d", code)
	}
	if body["balance"] != float64(8) {
		t.Errorf("balance = %v, want 8", body["balance"])
	}
}

func TestStoreRequiresFields(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	for _, req := range []map[string]any{
		{"content": "no owner"},
		{"owner_id": "agent-1"},
		{},
	} {
		code, _ := do(t, srv, "POST", "/api/memories", key, req)
		if code != http.StatusBadRequest {
			t.Errorf("store %v: status = %d, want %d", req, code, http.StatusBadRequest)
		}
	}
}

func TestPaidRoutesRequireKey(t *testing.T) {
	srv := testServer(t)

	routes := []struct {
		method string
		path   string
		body   map[string]any
	}{
		{"POST", "/api/memories", map[string]any{"owner_id": "a", "content": "x"}},
		{"POST", "/api/memories/search", map[string]any{"owner_id": "a"}},
		{"GET", "/api/memories/0123456789abcdef", nil},
		{"DELETE", "/api/memories/0123456789abcdef?owner_id=a", nil},
		{"GET", "/api/balance", nil},
	}
	for _, rt := range routes {
		code, _ := do(t, srv, rt.method, rt.path, "", rt.body)
		if code != http.StatusUnauthorized {
			t.Errorf("%s %s without key: status = %d, want %d", rt.method, rt.path, code, http.StatusUnauthorized)
		}
	}
}

func TestInsufficientCreditsChargesNothing(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 3)

	// Search costs 5; balance is 3.
	code, body := do(t, srv, "POST", "/api/memories/search", key, map[string]any{"owner_id": "agent-1"})
	if code != http.StatusPaymentRequired {
		t.Fatalf("search: status = %d, body = %v", code, body)
	}
	if body["get_credits"] != "/api/checkout" {
		t.Errorf("402 body missing checkout pointer: %v", body)
	}

	code, body = do(t, srv, "GET", "/api/balance", key, nil)
	if code != http.StatusOK {
		t.Fatalf("balance: status = %d", code)
	}
	if body["balance"] != float64(3) {
		t.Errorf("balance after denial = %v, want 3", body["balance"])
	}
}

func TestSearchFlow(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 50)

	storeMemory(t, srv, key, "agent-1", "deploy checklist for the api", []string{"ops"})
	storeMemory(t, srv, key, "agent-1", "holiday plans", []string{"personal"})
	storeMemory(t, srv, key, "agent-2", "deploy notes from another agent", []string{"ops"})

	code, body := do(t, srv, "POST", "/api/memories/search", key, map[string]any{
		"owner_id": "agent-1",
		"query":    "deploy",
	})
	if code != http.StatusOK {
		t.Fatalf("search: status = %d, body = %v", code, body)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v", body["results"])
	}
	first := results[0].(map[string]any)
	if first["content_preview"] != "deploy checklist for the api" {
		t.Errorf("content_preview = %v", first["content_preview"])
	}
}

func TestSearchNoMatchesReturnsEmptyList(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	code, body := do(t, srv, "POST", "/api/memories/search", key, map[string]any{
		"owner_id": "agent-void",
	})
	if code != http.StatusOK {
		t.Fatalf("search: status = %d", code)
	}
	results, ok := body["results"].([]any)
	if !ok {
		t.Fatalf("results = %v (%T), want empty list", body["results"], body["results"])
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

func TestDeleteFlow(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	id := storeMemory(t, srv, key, "agent-1", "short lived", nil)

	// Wrong owner cannot delete.
	code, _ := do(t, srv, "DELETE", "/api/memories/"+id+"?owner_id=agent-2", key, nil)
	if code != http.StatusNotFound {
		t.Errorf("delete wrong owner: status = %d, want %d", code, http.StatusNotFound)
	}

	code, _ = do(t, srv, "DELETE", "/api/memories/"+id+"?owner_id=agent-1", key, nil)
	if code != http.StatusOK {
		t.Errorf("delete: status = %d, want %d", code, http.StatusOK)
	}

	code, _ = do(t, srv, "GET", "/api/memories/"+id, key, nil)
	if code != http.StatusNotFound {
		t.Errorf("retrieve deleted: status = %d, want %d", code, http.StatusNotFound)
	}

	// Missing owner_id is a client error, not a lookup miss.
	code, _ = do(t, srv, "DELETE", "/api/memories/"+id, key, nil)
	if code != http.StatusBadRequest {
		t.Errorf("delete without owner_id: status = %d, want %d", code, http.StatusBadRequest)
	}

	// store 1 credit, deletes free, failed retrieve still charged 1.
	_, body := do(t, srv, "GET", "/api/balance", key, nil)
	if body["balance"] != float64(8) {
		t.Errorf("balance = %v, want 8", body["balance"])
	}
}

// A caller that abandons a paid request mid-flight must not also abandon
// the refund: the debit has to come back even though the request context
// is already canceled.
func TestRefundSurvivesAbandonedRequest(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 5)

	// Debit as the handler would, then refund under a context the caller
	// canceled before the operation could complete.
	debited, err := srv.gate.Authorize(context.Background(), "Bearer "+key, ledger.CostSearch)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.refund(ctx, debited, ledger.CostSearch)

	code, body := do(t, srv, "GET", "/api/balance", key, nil)
	if code != http.StatusOK {
		t.Fatalf("balance: status = %d", code)
	}
	if body["balance"] != float64(5) {
		t.Errorf("balance after refund = %v, want 5", body["balance"])
	}
}

func TestRetrieveMissing(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	code, body := do(t, srv, "GET", "/api/memories/ffffffffffffffff", key, nil)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["error"] != "memory not found or expired" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)
	key := mintKey(t, srv, 10)

	// Unknown owner gets a zero summary, not an error. No key needed.
	code, body := do(t, srv, "GET", "/api/owners/nobody/stats", "", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: status = %d", code)
	}
	if body["active_memories"] != float64(0) {
		t.Errorf("active_memories = %v, want 0", body["active_memories"])
	}
	if body["message"] != "no memories stored yet" {
		t.Errorf("message = %v", body["message"])
	}

	storeMemory(t, srv, key, "agent-1", "first", nil)
	storeMemory(t, srv, key, "agent-1", "second", nil)

	code, body = do(t, srv, "GET", "/api/owners/agent-1/stats", "", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: status = %d", code)
	}
	if body["active_memories"] != float64(2) {
		t.Errorf("active_memories = %v, want 2", body["active_memories"])
	}
	if body["total_memories_stored"] != float64(2) {
		t.Errorf("total_memories_stored = %v, want 2", body["total_memories_stored"])
	}
	if body["storage_used_bytes"] == float64(0) {
		t.Error("storage_used_bytes = 0, want > 0")
	}
}

func TestCheckoutFlow(t *testing.T) {
	srv := testServer(t)

	code, body := do(t, srv, "POST", "/api/checkout", "", map[string]any{
		"credits": 1000,
		"email":   "buyer@example.com",
	})
	if code != http.StatusCreated {
		t.Fatalf("checkout: status = %d, body = %v", code, body)
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session_id in %v", body)
	}
	if body["amount_cents"] != float64(100) {
		t.Errorf("amount_cents = %v, want 100", body["amount_cents"])
	}
	if body["api_key"] != nil {
		t.Errorf("pending checkout must not expose a key: %v", body)
	}

	// Provider callback: admin marks the session paid.
	code, body = do(t, srv, "POST", "/api/admin/checkout/"+sessionID+"/complete", testAdminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("complete: status = %d, body = %v", code, body)
	}
	key, _ := body["api_key"].(string)
	if key == "" {
		t.Fatalf("no api_key in %v", body)
	}

	// The minted key works and carries the purchased credits.
	code, body = do(t, srv, "GET", "/api/balance", key, nil)
	if code != http.StatusOK {
		t.Fatalf("balance: status = %d", code)
	}
	if body["balance"] != float64(1000) {
		t.Errorf("balance = %v, want 1000", body["balance"])
	}

	// Completing again grants nothing.
	code, _ = do(t, srv, "POST", "/api/admin/checkout/"+sessionID+"/complete", testAdminToken, nil)
	if code != http.StatusConflict {
		t.Errorf("complete again: status = %d, want %d", code, http.StatusConflict)
	}
}

func TestCheckoutBadQuantity(t *testing.T) {
	srv := testServer(t)

	code, _ := do(t, srv, "POST", "/api/checkout", "", map[string]any{"credits": -1})
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	srv := testServer(t)

	code, _ := do(t, srv, "POST", "/api/admin/checkout/cs_missing/complete", testAdminToken, nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", code, http.StatusNotFound)
	}
}

func TestReclaimEndpoint(t *testing.T) {
	srv := testServer(t)

	code, body := do(t, srv, "POST", "/api/admin/reclaim", testAdminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("reclaim: status = %d, body = %v", code, body)
	}
	if body["expired_reclaimed"] != float64(0) {
		t.Errorf("expired_reclaimed = %v, want 0", body["expired_reclaimed"])
	}
}
