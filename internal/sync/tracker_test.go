package sync

import (
	"testing"
	"time"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/testutil"
)

func TestTrackerAckBeforeEcho(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	provisional := *helper.CreateTestMessage(0, 1, 1, "hello")
	provisional.ID = 0
	provisional.ClientToken = "tok-1"
	if !tracker.Append(provisional) {
		t.Fatal("expected Append to accept a new token")
	}

	canonical := *helper.CreateTestMessage(10, 1, 1, "hello")
	canonical.ClientToken = "tok-1"

	if !tracker.ReconcileLocal("tok-1", canonical) {
		t.Fatal("expected local reconcile to match the outstanding token")
	}
	// The push echo of the same row arrives after the ack.
	if tracker.ReconcileRemote(canonical) {
		t.Error("echo of a reconciled send must not insert a new entry")
	}

	if tracker.Len() != 1 {
		t.Fatalf("expected 1 visible entry, got %d", tracker.Len())
	}
	views := tracker.Messages()
	if views[0].ID != 10 || views[0].Status != models.StatusSent {
		t.Errorf("unexpected reconciled entry: %+v", views[0])
	}
	if len(tracker.OutstandingTokens()) != 0 {
		t.Error("token should be released after reconciliation")
	}
}

func TestTrackerEchoBeforeAck(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	provisional := *helper.CreateTestMessage(0, 1, 1, "hello")
	provisional.ID = 0
	provisional.ClientToken = "tok-1"
	tracker.Append(provisional)

	canonical := *helper.CreateTestMessage(10, 1, 1, "hello")
	canonical.ClientToken = "tok-1"

	// Echo first: the token is still outstanding, so the echo is a duplicate
	// of the local path and must be discarded.
	if tracker.ReconcileRemote(canonical) {
		t.Error("echo must be discarded while the token is outstanding")
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 visible entry, got %d", tracker.Len())
	}

	if !tracker.ReconcileLocal("tok-1", canonical) {
		t.Fatal("expected local reconcile to succeed")
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 visible entry after ack, got %d", tracker.Len())
	}
	if got := tracker.Messages()[0]; got.ID != 10 {
		t.Errorf("expected canonical id 10, got %d", got.ID)
	}
}

func TestTrackerRemoteOrdering(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	// Arrival order deliberately scrambled.
	for _, id := range []uint{30, 10, 20} {
		msg := *helper.CreateTestMessage(id, 1, 2, "m")
		msg.ClientToken = ""
		if !tracker.ReconcileRemote(msg) {
			t.Fatalf("expected insert for id %d", id)
		}
	}

	views := tracker.Messages()
	if len(views) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(views))
	}
	for i, want := range []uint{10, 20, 30} {
		if views[i].ID != want {
			t.Errorf("position %d: expected id %d, got %d", i, want, views[i].ID)
		}
	}
}

func TestTrackerOrderingTieBreaksByID(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	at := time.Unix(1700000500, 0).UTC()
	for _, id := range []uint{7, 5, 6} {
		msg := *helper.CreateTestMessage(id, 1, 2, "m")
		msg.ClientToken = ""
		msg.CreatedAt = at
		tracker.ReconcileRemote(msg)
	}

	views := tracker.Messages()
	for i, want := range []uint{5, 6, 7} {
		if views[i].ID != want {
			t.Errorf("position %d: expected id %d, got %d", i, want, views[i].ID)
		}
	}
}

func TestTrackerFailedEntryRetained(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	provisional := *helper.CreateTestMessage(0, 1, 1, "will fail")
	provisional.ID = 0
	provisional.ClientToken = "tok-fail"
	tracker.Append(provisional)

	if !tracker.MarkFailed("tok-fail") {
		t.Fatal("expected MarkFailed to find the token")
	}

	views := tracker.Messages()
	if len(views) != 1 {
		t.Fatalf("failed entry must stay visible, got %d entries", len(views))
	}
	if views[0].Status != models.StatusFailed {
		t.Errorf("expected status failed, got %s", views[0].Status)
	}
	if views[0].Content != "will fail" {
		t.Errorf("failed entry content lost: %q", views[0].Content)
	}

	// And it is retryable: back to pending, then reconcilable as usual.
	if _, ok := tracker.Failed("tok-fail"); !ok {
		t.Fatal("expected Failed to return the entry")
	}
	if !tracker.Retrying("tok-fail") {
		t.Fatal("expected Retrying to flip the entry back to pending")
	}
	canonical := *helper.CreateTestMessage(42, 1, 1, "will fail")
	canonical.ClientToken = "tok-fail"
	if !tracker.ReconcileLocal("tok-fail", canonical) {
		t.Fatal("expected reconcile after retry")
	}
	if got := tracker.Messages()[0]; got.ID != 42 || got.Status != models.StatusSent {
		t.Errorf("unexpected entry after retry: %+v", got)
	}
}

func TestTrackerReconcileKeepsPosition(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	history := []models.Message{*helper.CreateTestMessage(1, 1, 2, "old")}
	tracker.Load(history)

	provisional := *helper.CreateTestMessage(0, 1, 1, "mine")
	provisional.ID = 0
	provisional.ClientToken = "tok-1"
	tracker.Append(provisional)

	// A peer message lands while the send is in flight; it sorts by its
	// canonical timestamp, but the optimistic entry stays where it was
	// appended until reconciled.
	peer := *helper.CreateTestMessage(2, 1, 2, "peer")
	peer.ClientToken = ""
	tracker.ReconcileRemote(peer)

	canonical := *helper.CreateTestMessage(3, 1, 1, "mine")
	canonical.ClientToken = "tok-1"
	tracker.ReconcileLocal("tok-1", canonical)

	views := tracker.Messages()
	if len(views) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(views))
	}
	// The reconciled entry keeps its slot; no jump on ack.
	if views[1].ID != 3 {
		t.Errorf("expected reconciled send to keep position 1, found id %d there", views[1].ID)
	}
	if views[2].ID != 2 {
		t.Errorf("expected peer message at position 2, got id %d", views[2].ID)
	}
}

func TestTrackerLoadKeepsOutstandingSends(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	provisional := *helper.CreateTestMessage(0, 1, 1, "in flight")
	provisional.ID = 0
	provisional.ClientToken = "tok-1"
	tracker.Append(provisional)

	// Resync history does not contain the in-flight send yet.
	history := []models.Message{
		*helper.CreateTestMessage(1, 1, 2, "a"),
		*helper.CreateTestMessage(2, 1, 2, "b"),
	}
	tracker.Load(history)

	if tracker.Len() != 3 {
		t.Fatalf("expected 2 canonical + 1 outstanding, got %d", tracker.Len())
	}
	if len(tracker.OutstandingTokens()) != 1 {
		t.Error("outstanding token must survive a reload")
	}

	// A later resync where the send did land collapses it to one entry.
	landed := *helper.CreateTestMessage(3, 1, 1, "in flight")
	landed.ClientToken = "tok-1"
	tracker.Load(append(history, landed))
	if tracker.Len() != 3 {
		t.Fatalf("expected 3 entries after the send landed, got %d", tracker.Len())
	}
	if len(tracker.OutstandingTokens()) != 0 {
		t.Error("token must be released once the canonical row appears in history")
	}
}

func TestTrackerReloadKeepsReadFlips(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	history := []models.Message{
		*helper.CreateTestMessage(1, 1, 2, "a"),
		*helper.CreateTestMessage(2, 1, 2, "b"),
	}
	tracker.Load(history)
	tracker.SetRead([]uint{1}, 2)

	// The reload carries history where the read write-through has not landed
	// yet; the local flip must survive, unread rows stay unread.
	tracker.Load(history)

	views := tracker.Messages()
	if len(views) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(views))
	}
	if !views[0].IsRead {
		t.Error("reload rolled back a local read flip")
	}
	if views[0].Status != models.StatusRead {
		t.Errorf("expected status read after reload, got %s", views[0].Status)
	}
	if views[1].IsRead {
		t.Error("reload invented a read flip")
	}
}

func TestTrackerSetReadScopedToAuthor(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	tracker.Load([]models.Message{
		*helper.CreateTestMessage(1, 1, 2, "from peer"),
		*helper.CreateTestMessage(2, 1, 1, "from me"),
	})

	if changed := tracker.SetRead([]uint{1, 2}, 2); changed != 1 {
		t.Fatalf("expected exactly the peer message to flip, changed=%d", changed)
	}
	// Second call is a no-op: the flip is monotonic.
	if changed := tracker.SetRead([]uint{1, 2}, 2); changed != 0 {
		t.Errorf("expected no further changes, changed=%d", changed)
	}

	views := tracker.Messages()
	if !views[0].IsRead || views[0].Status != models.StatusRead {
		t.Errorf("peer message should be read: %+v", views[0])
	}
	if views[1].IsRead {
		t.Error("own message must never be flipped by SetRead for the peer")
	}
	if got := tracker.UnreadFrom(2); len(got) != 0 {
		t.Errorf("expected no unread from peer, got %v", got)
	}
}

func TestTrackerMergeKeepsReadMonotonic(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	msg := *helper.CreateTestMessage(1, 1, 2, "m")
	tracker.Load([]models.Message{msg})
	tracker.SetRead([]uint{1}, 2)

	// A stale echo still carries is_read=false; the local flip must win.
	stale := msg
	stale.IsRead = false
	stale.Status = models.StatusSent
	tracker.ReconcileRemote(stale)

	got := tracker.Messages()[0]
	if !got.IsRead {
		t.Error("stale echo must not un-read a message")
	}
	if got.Status != models.StatusRead {
		t.Errorf("status must stay at read, got %s", got.Status)
	}
}

func TestTrackerEvictStale(t *testing.T) {
	helper := testutil.NewTestHelper(t)
	tracker := NewDeliveryTracker()

	provisional := *helper.CreateTestMessage(0, 1, 1, "stuck")
	provisional.ID = 0
	provisional.ClientToken = "tok-old"
	tracker.Append(provisional)

	if n := tracker.EvictStale(time.Minute, time.Now()); n != 0 {
		t.Fatalf("fresh token must not be evicted, evicted=%d", n)
	}
	if n := tracker.EvictStale(time.Minute, time.Now().Add(2*time.Minute)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	if len(tracker.OutstandingTokens()) != 0 {
		t.Error("evicted token must leave the map")
	}
	// The entry itself stays visible, now failed.
	views := tracker.Messages()
	if len(views) != 1 || views[0].Status != models.StatusFailed {
		t.Errorf("evicted pending entry should remain visible as failed: %+v", views)
	}
}
