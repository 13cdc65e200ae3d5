package conversation

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrUnknownConversation is returned when an operation references a
	// conversation the store has never seen.
	ErrUnknownConversation = errors.New("conversation: unknown conversation")

	// ErrPageConflict is returned when a history page is re-set with a
	// different message set. Pages are immutable once fetched.
	ErrPageConflict = errors.New("conversation: history page conflict")

	// ErrDuplicateMessage is returned when a message id is already present in
	// the timeline. Duplicate delivery must not corrupt the visible timeline.
	ErrDuplicateMessage = errors.New("conversation: duplicate message id")
)

// Store holds the merged timeline for every conversation referenced during a
// session. Conversations are created on first reference and live until the
// store is torn down.
//
// All mutation goes through the defined operations; MergedView is a pure
// projection with no side effects.
type Store struct {
	log *slog.Logger

	mu    sync.RWMutex
	convs map[string]*timeline
}

type timeline struct {
	kind         Kind
	displayName  string
	participants map[string]Participant

	pages     map[int][]Message
	exhausted bool
	live      []Message

	// seen maps message id -> segment it was first recorded in,
	// across all pages and live messages.
	seen map[string]string
}

// NewStore constructs an empty conversation store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:   log,
		convs: make(map[string]*timeline),
	}
}

// Ensure creates the conversation entry if absent. When the entry already
// exists it only refreshes metadata: participants are merged by id and the
// display name is updated when the seed carries one.
func (s *Store) Ensure(conversationID string, seed Seed) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(conversationID, seed)
}

func (s *Store) ensureLocked(conversationID string, seed Seed) *timeline {
	tl, ok := s.convs[conversationID]
	if !ok {
		tl = &timeline{
			kind:         seed.Kind,
			participants: make(map[string]Participant),
			pages:        make(map[int][]Message),
			seen:         make(map[string]string),
		}
		s.convs[conversationID] = tl
	}

	if seed.Kind != "" {
		tl.kind = seed.Kind
	}
	if seed.DisplayName != "" {
		tl.displayName = seed.DisplayName
	}
	for _, p := range seed.Participants {
		if p.ID == "" {
			continue
		}
		tl.participants[p.ID] = p
	}
	return tl
}

// SetHistoryPage records one fetched page of history. Page 0 is the most
// recent page; higher indexes are older.
//
// Idempotence: re-setting a page with an identical message sequence is a
// no-op. Re-setting with a different sequence is a provider contract
// violation and returns ErrPageConflict. A page carrying a message id already
// held by another segment returns ErrDuplicateMessage and the page is
// rejected whole.
func (s *Store) SetHistoryPage(conversationID string, pageIndex int, messages []Message) error {
	if pageIndex < 0 {
		return fmt.Errorf("conversation: negative page index %d", pageIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.ensureLocked(conversationID, Seed{})

	if existing, ok := tl.pages[pageIndex]; ok {
		if samePage(existing, messages) {
			return nil
		}
		s.log.Warn("conversation.page.conflict",
			"conversation_id", conversationID,
			"page", pageIndex,
			"have", len(existing),
			"got", len(messages),
		)
		return ErrPageConflict
	}

	segment := pageSegment(pageIndex)
	for _, m := range messages {
		if prev, dup := tl.seen[m.ID]; dup && prev != segment {
			s.log.Warn("conversation.page.duplicate_id",
				"conversation_id", conversationID,
				"page", pageIndex,
				"message_id", m.ID,
				"first_seen", prev,
			)
			return ErrDuplicateMessage
		}
	}

	page := make([]Message, len(messages))
	copy(page, messages)
	tl.pages[pageIndex] = page
	for _, m := range page {
		tl.seen[m.ID] = segment
	}
	return nil
}

// MarkHistoryExhausted records that the oldest page has been fetched.
// Irreversible within the session.
func (s *Store) MarkHistoryExhausted(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.ensureLocked(conversationID, Seed{})
	tl.exhausted = true
}

// HistoryExhausted reports whether the oldest page has been fetched.
func (s *Store) HistoryExhausted(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.convs[conversationID]
	return ok && tl.exhausted
}

// AppendLive appends a message received over the transport. A message whose
// id already appears anywhere in the timeline is rejected with
// ErrDuplicateMessage; callers are expected to log and drop it.
func (s *Store) AppendLive(conversationID string, msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("conversation: live message without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.ensureLocked(conversationID, Seed{})

	if prev, dup := tl.seen[msg.ID]; dup {
		s.log.Debug("conversation.live.duplicate",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"first_seen", prev,
		)
		return ErrDuplicateMessage
	}

	tl.live = append(tl.live, msg)
	tl.seen[msg.ID] = "live"
	return nil
}

// MergedView returns the display-order timeline (oldest to newest): fetched
// history pages from highest index down to 0, then live messages in arrival
// order.
//
// The sequence is lazy and restartable: each range pins a consistent snapshot
// of the timeline, and ranging twice without intervening mutation yields
// identical output. Unknown conversations yield an empty sequence.
func (s *Store) MergedView(conversationID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		s.mu.RLock()
		tl, ok := s.convs[conversationID]
		if !ok {
			s.mu.RUnlock()
			return
		}

		// Slice headers are stable snapshots: pages are write-once and the
		// live segment is append-only.
		indexes := make([]int, 0, len(tl.pages))
		for idx := range tl.pages {
			indexes = append(indexes, idx)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(indexes)))

		pages := make([][]Message, 0, len(indexes))
		for _, idx := range indexes {
			pages = append(pages, tl.pages[idx])
		}
		live := tl.live
		s.mu.RUnlock()

		for _, page := range pages {
			for _, m := range page {
				if !yield(m) {
					return
				}
			}
		}
		for _, m := range live {
			if !yield(m) {
				return
			}
		}
	}
}

// Participants returns the known participants of a conversation, sorted by id.
func (s *Store) Participants(conversationID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}

	out := make([]Participant, 0, len(tl.participants))
	for _, p := range tl.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Kind returns the conversation kind, or "" for unknown conversations.
func (s *Store) Kind(conversationID string) Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tl, ok := s.convs[conversationID]; ok {
		return tl.kind
	}
	return ""
}

// Len returns the total number of messages held for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := len(tl.live)
	for _, page := range tl.pages {
		n += len(page)
	}
	return n
}

func samePage(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func pageSegment(pageIndex int) string {
	return fmt.Sprintf("page-%d", pageIndex)
}
