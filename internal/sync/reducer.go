package sync

import (
	"context"
	"log"
	"sync"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/repository"
	"github.com/lumachat/sync-engine/internal/transport"
)

// NotificationReducer owns a user's in-memory notification set, newest
// first. Inserts and updates are idempotent by id, and the unread count is
// always derived from the set — never tracked as a separate counter — so it
// cannot drift.
type NotificationReducer struct {
	userID uint
	repo   repository.NotificationRepositoryInterface

	mu    sync.Mutex
	items []models.Notification

	// onChange, when set, is invoked after every visible mutation (outside
	// the store write). The gateway uses it to push fresh state down.
	onChange func()
}

func NewNotificationReducer(userID uint, repo repository.NotificationRepositoryInterface) *NotificationReducer {
	return &NotificationReducer{userID: userID, repo: repo}
}

// OnChange registers a hook called after every mutation. Must be set before
// the reducer starts receiving events.
func (r *NotificationReducer) OnChange(fn func()) { r.onChange = fn }

// ApplyInsert prepends the notification if it is not already present by id.
func (r *NotificationReducer) ApplyInsert(n models.Notification) {
	if n.UserID != r.userID {
		return
	}
	r.mu.Lock()
	if r.indexOf(n.ID) >= 0 {
		r.mu.Unlock()
		return
	}
	r.items = append([]models.Notification{n}, r.items...)
	r.mu.Unlock()
	r.notify()
}

// ApplyUpdate replaces the notification by id if present. The read flag
// stays monotonic: an update can never flip a locally read item back to
// unread.
func (r *NotificationReducer) ApplyUpdate(n models.Notification) {
	if n.UserID != r.userID {
		return
	}
	r.mu.Lock()
	i := r.indexOf(n.ID)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	if r.items[i].IsRead {
		n.IsRead = true
	}
	r.items[i] = n
	r.mu.Unlock()
	r.notify()
}

// MarkRead flips one notification locally and writes through to the store.
// A failed write just leaves the row unread for the next resync.
func (r *NotificationReducer) MarkRead(ctx context.Context, id uint) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 || r.items[i].IsRead {
		r.mu.Unlock()
		return
	}
	r.items[i].IsRead = true
	r.mu.Unlock()
	r.notify()

	go func() {
		if _, err := r.repo.MarkRead(ctx, r.userID, []uint{id}); err != nil {
			log.Printf("reducer: mark notification %d read for user %d: %v", id, r.userID, err)
		}
	}()
}

// MarkAllRead flips every currently-unread notification locally and writes
// through only those ids, so already-read rows are never re-written.
func (r *NotificationReducer) MarkAllRead(ctx context.Context) {
	r.mu.Lock()
	var ids []uint
	for i := range r.items {
		if !r.items[i].IsRead {
			r.items[i].IsRead = true
			ids = append(ids, r.items[i].ID)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	r.notify()

	go func() {
		if _, err := r.repo.MarkRead(ctx, r.userID, ids); err != nil {
			log.Printf("reducer: mark all read for user %d: %v", r.userID, err)
		}
	}()
}

// ClearAll discards the whole set locally and bulk-deletes the user's rows
// from the store.
func (r *NotificationReducer) ClearAll(ctx context.Context) {
	r.mu.Lock()
	changed := len(r.items) > 0
	r.items = nil
	r.mu.Unlock()
	if changed {
		r.notify()
	}

	go func() {
		if err := r.repo.DeleteForUser(ctx, r.userID); err != nil {
			log.Printf("reducer: clear notifications for user %d: %v", r.userID, err)
		}
	}()
}

// UnreadCount is derived from the current set.
func (r *NotificationReducer) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.items {
		if !r.items[i].IsRead {
			count++
		}
	}
	return count
}

// List returns a copy of the ordered notification set, newest first.
func (r *NotificationReducer) List() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Resync re-fetches the authoritative set from the store, keeping local
// monotonic read flips that may not have landed yet.
func (r *NotificationReducer) Resync(ctx context.Context) error {
	fresh, err := r.repo.ListForUser(ctx, r.userID, 0)
	if err != nil {
		return err
	}

	r.mu.Lock()
	locallyRead := make(map[uint]bool, len(r.items))
	for i := range r.items {
		if r.items[i].IsRead {
			locallyRead[r.items[i].ID] = true
		}
	}
	for i := range fresh {
		if locallyRead[fresh[i].ID] {
			fresh[i].IsRead = true
		}
	}
	r.items = fresh
	r.mu.Unlock()
	r.notify()
	return nil
}

// Handle plugs the reducer into a subscription manager as the handler for
// the user's notification topic.
func (r *NotificationReducer) Handle(ctx context.Context) Handler {
	return func(sig Signal) {
		if sig.Resync {
			if err := r.Resync(ctx); err != nil {
				log.Printf("reducer: resync for user %d: %v", r.userID, err)
			}
			return
		}
		n := sig.Change.Notification
		if n == nil {
			return
		}
		switch sig.Change.Op {
		case transport.OpInsert:
			r.ApplyInsert(*n)
		default:
			r.ApplyUpdate(*n)
		}
	}
}

func (r *NotificationReducer) indexOf(id uint) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *NotificationReducer) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
