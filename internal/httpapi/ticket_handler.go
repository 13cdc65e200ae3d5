package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"chatwire/internal/realtime"
)

// TicketHandler issues one-time realtime tickets via the vault.
type TicketHandler struct {
	log     *slog.Logger
	vault   *realtime.Vault
	resolve AccountResolver
}

// NewTicketHandler constructs the ticket issuance handler.
func NewTicketHandler(log *slog.Logger, vault *realtime.Vault, resolve AccountResolver) *TicketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TicketHandler{log: log, vault: vault, resolve: resolve}
}

// ServeHTTP handles POST /api/realtime/ticket.
func (h *TicketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(h.log, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accountID, ok := resolveAccount(r, h.resolve)
	if !ok {
		writeError(h.log, w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tk, err := h.vault.Mint(accountID, time.Now().UTC())
	if err != nil {
		h.log.Error("ticket.mint.fail", "account_id", accountID, "err", err)
		writeError(h.log, w, http.StatusInternalServerError, "ticket unavailable")
		return
	}

	h.log.Info("ticket.issued", "account_id", accountID)
	writeJSON(h.log, w, http.StatusCreated, tk)
}
