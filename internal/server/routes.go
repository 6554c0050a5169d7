package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mnemo-io/mnemo/internal/ledger"
	"github.com/mnemo-io/mnemo/internal/payment"
	"github.com/mnemo-io/mnemo/internal/store"
)

// defaultTTLDays applies when a store request does not specify ttl_days.
// Zero means "never expires".
const defaultTTLDays = 30

// authorize gates a paid operation: it validates the bearer credential and
// debits cost credits as one step. On denial it writes the response and
// returns ok=false. Denials are expected traffic and are not logged as
// errors.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, cost int64) (string, bool) {
	key, err := s.gate.Authorize(r.Context(), r.Header.Get("Authorization"), cost)
	switch {
	case err == nil:
		return key, true
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":       "payment required",
			"message":     "not enough credits for this operation",
			"pricing":     "/api/pricing",
			"get_credits": "/api/checkout",
		})
	case errors.Is(err, ledger.ErrInvalidKey):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "valid api key required"})
	default:
		s.log.Error("authorization failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "authorization failed"})
	}
	return "", false
}

// refund returns cost credits after a paid operation fails past the debit.
// It runs detached from the request context: when the operation failed
// because the caller abandoned the request, the refund must still land, or
// the debit survives with nothing to show for it. A refund that fails
// anyway is a real accounting leak and is logged as an error.
func (s *Server) refund(ctx context.Context, key string, cost int64) {
	if err := s.gate.Refund(context.WithoutCancel(ctx), key, cost); err != nil {
		s.log.Error("refund failed, credits leaked", "cost", cost, "err", err)
	}
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID  string         `json:"owner_id"`
		Content  string         `json:"content"`
		Tags     []string       `json:"tags"`
		Metadata map[string]any `json:"metadata"`
		TTLDays  *int           `json:"ttl_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id and content required"})
		return
	}

	ttlDays := defaultTTLDays
	if req.TTLDays != nil {
		ttlDays = *req.TTLDays
	}

	key, ok := s.authorize(w, r, ledger.CostStore)
	if !ok {
		return
	}

	sum, err := s.records.Store(r.Context(), req.OwnerID, req.Content, req.Tags, req.Metadata,
		time.Duration(ttlDays)*24*time.Hour)
	if err != nil {
		// The debit must not outlive a failed store.
		s.refund(r.Context(), key, ledger.CostStore)
		s.log.Error("store memory failed", "owner", req.OwnerID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "stored",
		"memory_id":  sum.ID,
		"owner_id":   sum.OwnerID,
		"tags":       sum.Tags,
		"metadata":   sum.Metadata,
		"created_at": sum.CreatedAt,
		"expires_at": sum.ExpiresAt,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")

	key, ok := s.authorize(w, r, ledger.CostRetrieve)
	if !ok {
		return
	}

	m, err := s.records.Retrieve(r.Context(), memoryID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found or expired"})
		return
	}
	if err != nil {
		s.refund(r.Context(), key, ledger.CostRetrieve)
		s.log.Error("retrieve memory failed", "id", memoryID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "retrieval failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"memory": m,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string   `json:"owner_id"`
		Query   string   `json:"query"`
		Tags    []string `json:"tags"`
		Limit   int      `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id required"})
		return
	}

	key, ok := s.authorize(w, r, ledger.CostSearch)
	if !ok {
		return
	}

	results, err := s.records.Search(r.Context(), req.OwnerID, store.SearchOpts{
		Query: req.Query,
		Tags:  req.Tags,
		Limit: req.Limit,
	})
	if err != nil {
		s.refund(r.Context(), key, ledger.CostSearch)
		s.log.Error("search failed", "owner", req.OwnerID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "search failed"})
		return
	}
	if results == nil {
		results = []store.Preview{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"owner_id": req.OwnerID,
		"count":    len(results),
		"results":  results,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id required"})
		return
	}

	// Deletion is free, but still requires a valid key.
	if _, ok := s.authorize(w, r, ledger.CostDelete); !ok {
		return
	}

	err := s.records.Delete(r.Context(), memoryID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found or unauthorized"})
		return
	}
	if err != nil {
		s.log.Error("delete memory failed", "id", memoryID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deletion failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"memory_id": memoryID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	st, err := s.records.Stats(r.Context(), ownerID)
	if err != nil {
		s.log.Error("owner stats failed", "owner", ownerID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}
	if st == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"owner_id":              ownerID,
			"active_memories":       0,
			"total_memories_stored": 0,
			"storage_used_bytes":    0,
			"message":               "no memories stored yet",
		})
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authorize(w, r, 0)
	if !ok {
		return
	}

	balance, err := s.ledger.Balance(r.Context(), key)
	if err != nil {
		s.log.Error("balance lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "balance lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Credits     int64  `json:"credits"`
		ServiceType string `json:"service_type"`
		Email       string `json:"email"`
	}{
		Credits:     1000,
		ServiceType: "memory_credits",
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	session, err := s.payments.CreateCheckout(r.Context(), req.Credits, req.ServiceType, req.Email)
	if errors.Is(err, payment.ErrBadQuantity) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Error("create checkout failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "checkout failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":   session.ID,
		"credits":      session.Credits,
		"service_type": session.ServiceType,
		"amount_cents": session.AmountCents,
		"status":       session.Status,
		"message":      "complete payment to receive your api key",
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email   string `json:"email"`
		Credits int64  `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Credits < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "credits must be >= 0"})
		return
	}

	key, err := s.ledger.CreateKey(r.Context(), req.Email, req.Credits)
	if err != nil {
		s.log.Error("create key failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key creation failed"})
		return
	}

	// The one and only disclosure of the key.
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"balance": req.Credits,
	})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	count, err := s.records.ReclaimExpired(r.Context())
	if err != nil {
		s.log.Error("reclaim failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reclaim failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "success",
		"expired_reclaimed": count,
		"timestamp":         time.Now().UnixMilli(),
	})
}

func (s *Server) handleCompleteCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, key, err := s.payments.Complete(r.Context(), sessionID)
	if errors.Is(err, payment.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "checkout session not found"})
		return
	}
	if errors.Is(err, payment.ErrCompleted) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "checkout session already completed"})
		return
	}
	if err != nil {
		s.log.Error("complete checkout failed", "session", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "completion failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "paid",
		"session_id": session.ID,
		"api_key":    key,
		"credits":    session.Credits,
	})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, payment.Pricing())
}
