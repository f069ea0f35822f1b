package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/dripper/service/chain"
	"github.com/brojonat/dripper/service/db"
	"github.com/brojonat/dripper/service/engine"
)

const (
	maxRequestBodySize   = 1 << 20 // 1MB
	maxRequesterIDLength = 128

	// chainUnavailable stands in for connection errors, which carry RPC URLs.
	chainUnavailable = "connection failed"
)

// dripRequest is the body of POST /api/v1/drip.
type dripRequest struct {
	RequesterID string `json:"requester_id"`
	Address     string `json:"address"`
}

// handleDrip returns a handler that runs one drip request.
// POST /api/v1/drip
func handleDrip(dripper Dripper, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req dripRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateRequesterID(req.RequesterID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result := dripper.RequestDrip(r.Context(), req.RequesterID, req.Address)
		writeJSON(w, result, statusCode(result.Status))
	})
}

// statusCode maps a drip outcome to its HTTP status.
func statusCode(status engine.Status) int {
	switch status {
	case engine.StatusSuccess:
		return http.StatusOK
	case engine.StatusRateLimited:
		return http.StatusTooManyRequests
	case engine.StatusNoAddress, engine.StatusInvalidAddress:
		return http.StatusBadRequest
	case engine.StatusNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// chainResponse is the JSON response format for one configured endpoint.
type chainResponse struct {
	chain.Status
	FundingAddress string `json:"funding_address,omitempty"`
}

// handleListChains returns a handler that reports every configured endpoint.
// GET /api/v1/chains
func handleListChains(chains ChainLister, funding map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := chains.Snapshot()

		resp := make([]chainResponse, len(snapshot))
		ready := 0
		for i, st := range snapshot {
			if st.Error != "" {
				st.Error = chainUnavailable
			}
			resp[i] = chainResponse{Status: st, FundingAddress: funding[st.Network]}
			if st.State == chain.StateReady.String() {
				ready++
			}
		}

		writeJSON(w, map[string]interface{}{
			"chains": resp,
			"count":  len(resp),
			"ready":  ready,
		}, http.StatusOK)
	})
}

// dripResponse is the JSON response format for a ledger entry.
type dripResponse struct {
	ID          string               `json:"id"`
	RequesterID string               `json:"requester_id"`
	Address     string               `json:"address"`
	Status      string               `json:"status"`
	Success     bool                 `json:"success"`
	RequestedAt time.Time            `json:"requested_at"`
	DurationMS  int64                `json:"duration_ms"`
	Submissions []submissionResponse `json:"submissions"`
}

type submissionResponse struct {
	Network  string   `json:"network"`
	Address  string   `json:"address"`
	Success  bool     `json:"success"`
	TxHashes []string `json:"tx_hashes"`
	Nonces   []int64  `json:"nonces"`
	Error    *string  `json:"error,omitempty"`
}

func dripToResponse(rec *db.DripRecord) dripResponse {
	resp := dripResponse{
		ID:          rec.ID,
		RequesterID: rec.RequesterID,
		Address:     rec.Address,
		Status:      rec.Status,
		Success:     rec.Success,
		RequestedAt: rec.RequestedAt,
		DurationMS:  rec.DurationMS,
		Submissions: make([]submissionResponse, len(rec.Submissions)),
	}
	for i, sub := range rec.Submissions {
		resp.Submissions[i] = submissionResponse{
			Network:  sub.Network,
			Address:  sub.Address,
			Success:  sub.Success,
			TxHashes: sub.TxHashes,
			Nonces:   sub.Nonces,
		}
		// the raw error stays in the ledger row and the logs
		if sub.Error != nil {
			msg := engine.ChainFailure
			resp.Submissions[i].Error = &msg
		}
	}
	return resp
}

// handleListDrips returns a handler that lists ledger entries, newest first.
// GET /api/v1/drips?requester_id=ID&limit=N&offset=N
func handleListDrips(drips DripLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		requesterID := query.Get("requester_id")

		if requesterID != "" {
			if err := validateRequesterID(requesterID); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Parse limit (default 50, max 1000)
		limit := int32(50)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		records, err := drips.ListDrips(r.Context(), db.ListDripsParams{
			RequesterID: requesterID,
			Limit:       limit,
			Offset:      offset,
		})
		if err != nil {
			logger.Error("failed to list drips", "requester_id", requesterID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]dripResponse, len(records))
		for i := range records {
			resp[i] = dripToResponse(records[i])
		}

		writeJSON(w, map[string]interface{}{
			"drips":  resp,
			"count":  len(resp),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetDrip returns a handler that fetches one ledger entry.
// GET /api/v1/drips/{id}
func handleGetDrip(drips DripLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		rec, err := drips.GetDrip(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "drip not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get drip", "id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, dripToResponse(rec), http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateRequesterID rejects ids that cannot key the cooldown table.
func validateRequesterID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("requester_id is required")
	}

	if len(id) > maxRequesterIDLength {
		return fmt.Errorf("requester_id too long: maximum length is %d characters", maxRequesterIDLength)
	}

	for _, r := range id {
		if r == 0 || unicode.IsControl(r) {
			return errors.New("invalid characters in requester_id: control characters not allowed")
		}
	}

	return nil
}
