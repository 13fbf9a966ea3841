package sync

import (
	"sort"
	"time"

	"github.com/lumachat/sync-engine/internal/models"
)

// DeliveryTracker is the pure reconciliation core of a conversation session:
// an ordered message buffer plus a bounded map of outstanding optimistic
// sends keyed by client token. It does no I/O and is not safe for concurrent
// use on its own; the owning session serializes access.
//
// Invariants:
//   - at most one visible entry per canonical message id
//   - at most one visible entry per client token while outstanding
//   - the buffer is ordered by created_at with ties broken by id
type DeliveryTracker struct {
	entries []*trackerEntry
	byToken map[string]*trackerEntry
	byID    map[uint]*trackerEntry
}

type trackerEntry struct {
	msg        models.Message
	optimistic bool
	tokenAt    time.Time
}

func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		byToken: make(map[string]*trackerEntry),
		byID:    make(map[uint]*trackerEntry),
	}
}

// Load replaces the buffer with authoritative history, keeping any still
// outstanding optimistic entries that the history does not yet contain.
// Used on Open and on post-reconnect resync.
func (t *DeliveryTracker) Load(history []models.Message) {
	outstanding := make([]*trackerEntry, 0, len(t.byToken))
	locallyRead := make(map[uint]struct{})
	for _, e := range t.entries {
		if e.optimistic {
			outstanding = append(outstanding, e)
		}
		if e.msg.ID != 0 && e.msg.IsRead {
			locallyRead[e.msg.ID] = struct{}{}
		}
	}

	t.entries = t.entries[:0]
	t.byToken = make(map[string]*trackerEntry)
	t.byID = make(map[uint]*trackerEntry)

	canonicalTokens := make(map[string]struct{}, len(history))
	for i := range history {
		msg := history[i]
		if msg.ClientToken != "" {
			canonicalTokens[msg.ClientToken] = struct{}{}
		}
		msg.ClientToken = ""
		if _, read := locallyRead[msg.ID]; read && !msg.IsRead {
			// A local read flip whose write-through has not landed yet;
			// is_read never rolls back.
			msg.IsRead = true
			if models.StatusAdvances(msg.Status, models.StatusRead) {
				msg.Status = models.StatusRead
			}
		}
		t.insertSorted(&trackerEntry{msg: msg})
	}

	for _, e := range outstanding {
		token := e.msg.ClientToken
		if _, reconciled := canonicalTokens[token]; reconciled {
			continue // the canonical row is already in the buffer
		}
		t.entries = append(t.entries, e)
		t.byToken[token] = e
	}
}

// Append adds a provisional optimistic entry at the tail of the buffer.
// Idempotent per token.
func (t *DeliveryTracker) Append(msg models.Message) bool {
	if msg.ClientToken == "" {
		return false
	}
	if _, exists := t.byToken[msg.ClientToken]; exists {
		return false
	}
	msg.Status = models.StatusPending
	e := &trackerEntry{msg: msg, optimistic: true, tokenAt: time.Now()}
	t.entries = append(t.entries, e)
	t.byToken[msg.ClientToken] = e
	return true
}

// ReconcileLocal replaces the optimistic entry's fields with the canonical
// row, clears its token and keeps its position in the buffer.
func (t *DeliveryTracker) ReconcileLocal(token string, canonical models.Message) bool {
	e, ok := t.byToken[token]
	if !ok {
		// Already reconciled (or never tracked); both reconciliation paths
		// produce the identical canonical row, so converge via the id map.
		if existing, found := t.byID[canonical.ID]; found {
			mergeCanonical(existing, canonical)
			return true
		}
		return false
	}

	if other, found := t.byID[canonical.ID]; found && other != e {
		// The canonical row slipped in via another path; drop the duplicate
		// optimistic entry rather than show the message twice.
		t.remove(e)
		mergeCanonical(other, canonical)
		delete(t.byToken, token)
		return true
	}

	mergeCanonical(e, canonical)
	e.optimistic = false
	e.msg.ClientToken = ""
	delete(t.byToken, token)
	t.byID[canonical.ID] = e
	return true
}

// ReconcileRemote applies a message observed on the push channel. If its
// client token matches an outstanding optimistic send it is a duplicate of
// the local path and is discarded. A known id updates in place; anything
// else is inserted at its correct ordered position. Returns true when a new
// entry became visible.
func (t *DeliveryTracker) ReconcileRemote(msg models.Message) bool {
	if msg.ClientToken != "" {
		if _, outstanding := t.byToken[msg.ClientToken]; outstanding {
			return false
		}
	}
	if e, found := t.byID[msg.ID]; found {
		mergeCanonical(e, msg)
		return false
	}

	msg.ClientToken = ""
	e := &trackerEntry{msg: msg}
	t.insertSorted(e)
	return true
}

// MarkFailed marks an outstanding optimistic entry as failed. The entry is
// retained (user-retryable), and its token stays tracked so a late echo of a
// partially applied insert still deduplicates.
func (t *DeliveryTracker) MarkFailed(token string) bool {
	e, ok := t.byToken[token]
	if !ok {
		return false
	}
	e.msg.Status = models.StatusFailed
	return true
}

// Failed returns a copy of the failed optimistic entry for the token, used
// by the retry path.
func (t *DeliveryTracker) Failed(token string) (models.Message, bool) {
	e, ok := t.byToken[token]
	if !ok || e.msg.Status != models.StatusFailed {
		return models.Message{}, false
	}
	return e.msg, true
}

// Retrying flips a failed entry back to pending before a re-send.
func (t *DeliveryTracker) Retrying(token string) bool {
	e, ok := t.byToken[token]
	if !ok || e.msg.Status != models.StatusFailed {
		return false
	}
	e.msg.Status = models.StatusPending
	e.tokenAt = time.Now()
	return true
}

// SetRead flips is_read on the given ids, restricted to entries authored by
// authorID so a session can never mark its own messages read. The flip is
// monotonic; already read entries are untouched. Returns how many entries
// changed.
func (t *DeliveryTracker) SetRead(ids []uint, authorID uint) int {
	changed := 0
	for _, id := range ids {
		if e, ok := t.byID[id]; ok && e.msg.SenderID == authorID && !e.msg.IsRead {
			e.msg.IsRead = true
			if models.StatusAdvances(e.msg.Status, models.StatusRead) {
				e.msg.Status = models.StatusRead
			}
			changed++
		}
	}
	return changed
}

// UnreadFrom returns ids of unread entries authored by senderID, in order.
func (t *DeliveryTracker) UnreadFrom(senderID uint) []uint {
	var ids []uint
	for _, e := range t.entries {
		if e.msg.SenderID == senderID && !e.msg.IsRead && e.msg.ID != 0 {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

// Messages returns the ordered visible buffer as snapshot views.
func (t *DeliveryTracker) Messages() []models.MessageView {
	out := make([]models.MessageView, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.msg.ToView())
	}
	return out
}

// Len returns the number of visible entries.
func (t *DeliveryTracker) Len() int { return len(t.entries) }

// OutstandingTokens returns tokens of not-yet-reconciled optimistic sends.
func (t *DeliveryTracker) OutstandingTokens() []string {
	tokens := make([]string, 0, len(t.byToken))
	for tok := range t.byToken {
		tokens = append(tokens, tok)
	}
	return tokens
}

// EvictStale drops token tracking for optimistic entries older than maxAge
// so the token map stays bounded. A still-pending entry is marked failed
// first; it remains visible and retryable through the store's idempotency
// key even though local correlation is gone.
func (t *DeliveryTracker) EvictStale(maxAge time.Duration, now time.Time) int {
	evicted := 0
	for token, e := range t.byToken {
		if now.Sub(e.tokenAt) < maxAge {
			continue
		}
		if e.msg.Status == models.StatusPending {
			e.msg.Status = models.StatusFailed
		}
		delete(t.byToken, token)
		evicted++
	}
	return evicted
}

func (t *DeliveryTracker) insertSorted(e *trackerEntry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return e.msg.Before(&t.entries[i].msg)
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	if e.msg.ID != 0 {
		t.byID[e.msg.ID] = e
	}
}

func (t *DeliveryTracker) remove(target *trackerEntry) {
	for i, e := range t.entries {
		if e == target {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// mergeCanonical overwrites an entry with canonical fields while keeping
// is_read and the delivery status monotonic.
func mergeCanonical(e *trackerEntry, canonical models.Message) {
	wasRead := e.msg.IsRead
	prevStatus := e.msg.Status

	token := e.msg.ClientToken
	e.msg = canonical
	e.msg.ClientToken = token
	if !e.optimistic {
		e.msg.ClientToken = ""
	}

	if wasRead {
		e.msg.IsRead = true
	}
	if !models.StatusAdvances(prevStatus, canonical.Status) && prevStatus != models.StatusFailed {
		e.msg.Status = prevStatus
	}
	if e.msg.IsRead && models.StatusAdvances(e.msg.Status, models.StatusRead) {
		e.msg.Status = models.StatusRead
	}
}
