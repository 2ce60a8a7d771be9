package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"forge/cmd/internal/identity"
	v1 "forge/shared/contracts/realtime/v1"
)

// HistoryURLParam is the chi route parameter holding the conversation id.
const HistoryURLParam = "conversationID"

// HistoryHandler serves GET /v1/conversations/{conversationID}/messages?after_seq=N&limit=M.
type HistoryHandler struct {
	log      *slog.Logger
	engine   *Engine
	resolver identity.Resolver
}

// NewHistoryHandler constructs the handler. A nil resolver skips authentication.
func NewHistoryHandler(log *slog.Logger, engine *Engine, resolver identity.Resolver) *HistoryHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HistoryHandler{log: log, engine: engine, resolver: resolver}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.resolver != nil {
		if _, err := h.resolver.Resolve(r); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
	}

	q := HistoryQuery{ConversationID: chi.URLParam(r, HistoryURLParam)}

	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "after_seq must be a non-negative integer")
			return
		}
		q.AfterSeq = &n
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	page, err := h.engine.History(r.Context(), q)
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			writeJSONError(w, http.StatusBadRequest, v1.CodeInvalidMessage, err.Error())
			return
		}
		h.log.Warn("http.history.fail", "conversation_id", q.ConversationID, "err", err)
		writeJSONError(w, http.StatusServiceUnavailable, v1.CodeStorageFailure, "storage unavailable")
		return
	}

	convID, _ := NormalizeConversationID(q.ConversationID)
	writeJSON(w, http.StatusOK, v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       wireMessages(page.Messages),
		HasMore:        page.HasMore,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]v1.ErrorPayload{"error": {Code: code, Message: msg}})
}
