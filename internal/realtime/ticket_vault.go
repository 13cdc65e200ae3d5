package realtime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTicketInvalid covers unknown, expired, and already-redeemed tickets.
	// The three cases are deliberately indistinguishable to the caller.
	ErrTicketInvalid = errors.New("realtime: ticket invalid")

	// ErrAccountBlocked is returned when the account behind a ticket is blocked.
	ErrAccountBlocked = errors.New("realtime: account blocked")
)

const (
	defaultTicketTTL   = 30 * time.Second
	ticketValueBytes   = 20
	vaultSweepInterval = 100 // expired records swept every N mints
)

// MintedTicket is a freshly issued handshake credential. Value is returned
// to the caller exactly once; the vault keeps only its hash.
type MintedTicket struct {
	Value     string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ticketRecord struct {
	accountID string
	expiresAt time.Time
}

// Vault mints and redeems one-time realtime tickets.
//
// Tickets are random values stored by SHA-256 hash, bound to an account, and
// deleted on first redemption. Expired records are swept opportunistically.
type Vault struct {
	log *slog.Logger
	ttl time.Duration

	mu      sync.Mutex
	tickets map[string]ticketRecord // hex(sha256(value)) -> record
	blocked map[string]struct{}
	mints   int
}

// NewVault constructs a ticket vault. ttl <= 0 uses the default.
func NewVault(log *slog.Logger, ttl time.Duration) *Vault {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &Vault{
		log:     log,
		ttl:     ttl,
		tickets: make(map[string]ticketRecord),
		blocked: make(map[string]struct{}),
	}
}

// Mint issues a one-time ticket for the account.
func (v *Vault) Mint(accountID string, now time.Time) (MintedTicket, error) {
	if accountID == "" {
		return MintedTicket{}, errors.New("realtime: empty account id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	value := NewRandomHex(ticketValueBytes)
	if value == "" {
		return MintedTicket{}, errors.New("realtime: ticket entropy unavailable")
	}

	rec := ticketRecord{accountID: accountID, expiresAt: now.Add(v.ttl)}

	v.mu.Lock()
	v.tickets[hashTicket(value)] = rec
	v.mints++
	if v.mints%vaultSweepInterval == 0 {
		v.sweepLocked(now)
	}
	v.mu.Unlock()

	v.log.Debug("ticket.minted", "account_id", accountID, "expires_at", rec.expiresAt)
	return MintedTicket{Value: value, ExpiresAt: rec.expiresAt}, nil
}

// Redeem consumes a ticket and returns the bound account id. A ticket can be
// redeemed at most once; the record is removed even when the account turns
// out to be blocked.
func (v *Vault) Redeem(value string, now time.Time) (string, error) {
	if value == "" {
		return "", ErrTicketInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := hashTicket(value)

	v.mu.Lock()
	rec, ok := v.tickets[key]
	if ok {
		delete(v.tickets, key)
	}
	_, accountBlocked := v.blocked[rec.accountID]
	v.mu.Unlock()

	if !ok || now.After(rec.expiresAt) {
		return "", ErrTicketInvalid
	}
	if accountBlocked {
		return "", ErrAccountBlocked
	}
	return rec.accountID, nil
}

// Block marks an account as blocked. Pending tickets for it will be refused
// at redemption.
func (v *Vault) Block(accountID string) {
	if accountID == "" {
		return
	}
	v.mu.Lock()
	v.blocked[accountID] = struct{}{}
	v.mu.Unlock()
}

// Unblock lifts a block.
func (v *Vault) Unblock(accountID string) {
	v.mu.Lock()
	delete(v.blocked, accountID)
	v.mu.Unlock()
}

func (v *Vault) sweepLocked(now time.Time) {
	for k, rec := range v.tickets {
		if now.After(rec.expiresAt) {
			delete(v.tickets, k)
		}
	}
}

func hashTicket(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
