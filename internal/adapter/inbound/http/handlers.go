package http

import (
	"encoding/json"
	"net/http"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
	"github.com/ledgerline/ledgergate/internal/service"
)

// checkRequest is the body of POST /rate-limit/check, the wire API the quota
// client consumes. Identifier is optional; when empty the server derives it
// from the caller's authentication or source address.
type checkRequest struct {
	Action     string `json:"action"`
	Identifier string `json:"identifier,omitempty"`
}

// checkHandler serves POST /rate-limit/check.
// A blocked quota is a successful check (200 with allowed=false); only
// malformed input or unknown actions produce error statuses.
func checkHandler(engine *ratelimit.Engine, hooks *service.DecisionHooks) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Action == "" {
			writeError(w, http.StatusBadRequest, "action is required")
			return
		}

		identifier := req.Identifier
		if identifier == "" {
			identifier = DefaultIdentifier(r)
		}

		decision, err := engine.Check(r.Context(), ratelimit.Action(req.Action), identifier)
		if err != nil {
			// Unknown action: a caller configuration error, not a quota state.
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if hooks != nil {
			hooks.Run(r.Context(), ratelimit.Action(req.Action), identifier, decision)
		}

		setRateHeaders(w, decision)
		writeJSON(w, http.StatusOK, decision)
	})
}

// infoResponse is the body of GET /rate-limit/info.
type infoResponse struct {
	Identifier string                        `json:"identifier"`
	Actions    map[string]ratelimit.Decision `json:"actions"`
}

// infoHandler serves GET /rate-limit/info: the caller's current quota across
// every configured action. Reads never mutate counters (Peek, not Check), so
// polling this endpoint does not consume quota.
func infoHandler(engine *ratelimit.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		identifier := DefaultIdentifier(r)
		resp := infoResponse{
			Identifier: identifier,
			Actions:    make(map[string]ratelimit.Decision),
		}

		for action := range engine.Actions() {
			decision, err := engine.Peek(r.Context(), action, identifier)
			if err != nil {
				continue
			}
			resp.Actions[string(action)] = decision
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

// statsResponse is the body of GET /rate-limit/stats.
type statsResponse struct {
	Store   ratelimit.StoreStats `json:"store"`
	Runtime service.Stats        `json:"runtime"`
}

// statsHandler serves GET /rate-limit/stats: the operator view of the window
// store plus runtime counters. Reads without mutating.
func statsHandler(store ratelimit.WindowStore, stats *service.StatsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		storeStats, err := store.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "window store stats unavailable")
			return
		}

		writeJSON(w, http.StatusOK, statsResponse{
			Store:   storeStats,
			Runtime: stats.GetStats(),
		})
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
