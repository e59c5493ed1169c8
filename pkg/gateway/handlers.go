package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/errs"
	"github.com/kizunalab/kizuna/pkg/facts"
	"github.com/kizunalab/kizuna/pkg/proactive"
)

var timeNow = time.Now

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var entry convlog.Entry
	if !decodeBody(w, r, &entry) {
		return
	}
	res, err := s.deps.Conv.Append(r.Context(), entry)
	if err != nil {
		s.fail(w, err, "append conversation log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	after := parseInt64(q.Get("after"), 0)
	limit := int(parseInt64(q.Get("limit"), 0))

	var roles []string
	if raw := strings.TrimSpace(q.Get("roles")); raw != "" {
		roles = strings.Split(raw, ",")
	}

	entries, err := s.deps.Conv.PullSince(r.Context(), userID, after, limit, roles)
	if err != nil {
		s.fail(w, err, "pull conversation log")
		return
	}
	if entries == nil {
		entries = []convlog.Entry{}
	}

	resp := map[string]any{"entries": entries}
	if isTruthy(q.Get("tombstones")) {
		tombs, err := s.deps.Conv.PullTombstonesSince(r.Context(), userID, after, limit)
		if err != nil {
			s.fail(w, err, "pull tombstones")
			return
		}
		if tombs == nil {
			tombs = []convlog.Tombstone{}
		}
		resp["tombstones"] = tombs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string   `json:"userId"`
		IDs    []string `json:"ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.deps.Conv.DeleteCascade(r.Context(), req.UserID, req.IDs)
	if err != nil {
		s.fail(w, err, "delete conversation logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		AnchorID string `json:"anchorId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.deps.Conv.PruneAfterAnchor(r.Context(), req.UserID, req.AnchorID)
	if err != nil {
		s.fail(w, err, "prune conversation logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleLastActivity(w http.ResponseWriter, r *http.Request) {
	act, err := s.deps.Conv.LastActivity(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.fail(w, err, "read last activity")
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (s *Server) handleRelationshipRead(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Rel.ReadState(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.fail(w, err, "read relationship state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRelationshipDelta(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Delta  int    `json:"delta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.deps.Rel.ApplyDelta(r.Context(), req.UserID, req.Delta)
	if err != nil {
		s.fail(w, err, "apply intimacy delta")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRelationshipStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		Label     string `json:"label"`
		PillColor string `json:"pillColor"`
		TextColor string `json:"textColor"`
		Reason    string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.deps.Rel.UpdateStatus(r.Context(), req.UserID, req.Label, req.PillColor, req.TextColor, req.Reason)
	if err != nil {
		s.fail(w, err, "update relationship status")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFactsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation error", "userId is required")
		return
	}
	limit := int(parseInt64(q.Get("limit"), 0))
	list, err := s.deps.Facts.ActiveFacts(r.Context(), userID, limit)
	if err != nil {
		s.fail(w, err, "list facts")
		return
	}
	if list == nil {
		list = []facts.Fact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": list})
}

func (s *Server) handleFactsUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Text     string `json:"text"`
		UserName string `json:"userName"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	fact, err := s.deps.Facts.Upsert(r.Context(), req.UserID, req.Text)
	if err != nil {
		s.fail(w, err, "upsert fact")
		return
	}

	// Consolidation can take a full model round trip, so it runs off the
	// request path. Its errors are logged, never surfaced to the writer.
	if s.deps.Consolidator != nil {
		userID, userName := req.UserID, req.UserName
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), consolidateDeadline)
			defer cancel()
			if err := s.deps.Consolidator.ConsolidateIfNeeded(ctx, userID, userName); err != nil {
				s.log.Warn().Err(err).Str("user", userID).Msg("fact consolidation failed")
			}
		}()
	}
	writeJSON(w, http.StatusOK, fact)
}

func (s *Server) handleProactivePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	limit := int(parseInt64(q.Get("limit"), 0))
	msgs, err := s.deps.Proactive.FetchPending(r.Context(), userID, limit, timeNow())
	if err != nil {
		s.fail(w, err, "fetch pending messages")
		return
	}
	if msgs == nil {
		msgs = []proactive.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleProactiveTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Scheduler.Tick(r.Context(), s.proactiveSettings())
	if err != nil {
		s.fail(w, err, "run proactive tick")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg(op)
	}
	writeError(w, status, errorLabel(status), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation error"
	case http.StatusNotFound:
		return "not found"
	case http.StatusBadGateway:
		return "upstream error"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, map[string]string{"error": msg, "details": details})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation error", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
