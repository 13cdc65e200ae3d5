package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatwire/internal/realtime"
)

const (
	historyDefaultPerPage = 25
	historyMaxPerPage     = 200
)

// HistoryHandler serves snapshot-pinned history pages out of the message
// store. Page 0 is the most recent page; the `before` query parameter pins
// the visible set so page indexes stay stable while live messages arrive.
type HistoryHandler struct {
	log     *slog.Logger
	store   realtime.MessageStore
	resolve AccountResolver
}

// NewHistoryHandler constructs the history page handler.
func NewHistoryHandler(log *slog.Logger, store realtime.MessageStore, resolve AccountResolver) *HistoryHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HistoryHandler{log: log, store: store, resolve: resolve}
}

type historyMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ContentType    string    `json:"content_type"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Seq            int64     `json:"seq"`
}

type historyInfo struct {
	Page          int   `json:"page"`
	PerPage       int   `json:"per_page"`
	TotalElements int64 `json:"total_elements"`
	TotalPages    int   `json:"total_pages"`
}

type historyResponse struct {
	Content []historyMessage `json:"content"`
	Info    historyInfo      `json:"info"`
}

// ServeHTTP handles GET /api/conversations/{id}/history.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(h.log, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, ok := resolveAccount(r, h.resolve); !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID := strings.TrimSpace(r.PathValue("id"))
	if conversationID == "" {
		writeError(h.log, w, http.StatusBadRequest, "missing conversation id")
		return
	}

	q := r.URL.Query()

	page := 0
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(h.log, w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}

	perPage := historyDefaultPerPage
	if raw := q.Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(h.log, w, http.StatusBadRequest, "invalid per_page")
			return
		}
		if n > historyMaxPerPage {
			n = historyMaxPerPage
		}
		perPage = n
	}

	before := time.Now().UTC()
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		before = t
	}

	out, err := h.store.FetchPage(r.Context(), realtime.PageQuery{
		ConversationID: conversationID,
		Page:           page,
		PerPage:        perPage,
		Before:         before,
	})
	if err != nil {
		h.log.Error("history.fetch.fail", "conversation_id", conversationID, "page", page, "err", err)
		writeError(h.log, w, http.StatusInternalServerError, "history unavailable")
		return
	}

	resp := historyResponse{
		Content: make([]historyMessage, 0, len(out.Messages)),
		Info: historyInfo{
			Page:          out.Page,
			PerPage:       out.PerPage,
			TotalElements: out.TotalElements,
			TotalPages:    out.TotalPages,
		},
	}
	for _, m := range out.Messages {
		resp.Content = append(resp.Content, historyMessage{
			ID:             m.ServerMsgID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderSession,
			ContentType:    m.ContentType,
			Content:        m.Text,
			Timestamp:      m.ServerTS,
			Seq:            m.Seq,
		})
	}

	writeJSON(h.log, w, http.StatusOK, resp)
}
