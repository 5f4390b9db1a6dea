package presence

import (
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestApplyFullSyncReplaces(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyOnline("old")
	tr.ApplyFullSync([]string{"u2", "u1", ""})

	got := tr.Online()
	want := []string{"u1", "u2"}
	if len(got) != len(want) {
		t.Fatalf("Online() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Online()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if tr.IsOnline("old") {
		t.Error("full sync should drop ids not in the new set")
	}
	if !tr.Authoritative() {
		t.Error("full sync should make the set authoritative")
	}
}

func TestIncrementalUpdatesAreIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
		apply   func(*Tracker) bool
		changed bool
		want    []string
	}{
		{"add new", nil, func(tr *Tracker) bool { return tr.ApplyOnline("u1") }, true, []string{"u1"}},
		{"add present", []string{"u1"}, func(tr *Tracker) bool { return tr.ApplyOnline("u1") }, false, []string{"u1"}},
		{"remove present", []string{"u1", "u2"}, func(tr *Tracker) bool { return tr.ApplyOffline("u1") }, true, []string{"u2"}},
		{"remove absent", []string{"u2"}, func(tr *Tracker) bool { return tr.ApplyOffline("u1") }, false, []string{"u2"}},
		{"empty id", nil, func(tr *Tracker) bool { return tr.ApplyOnline("") }, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			tr.ApplyFullSync(tt.initial)
			if got := tt.apply(tr); got != tt.changed {
				t.Errorf("changed = %v, want %v", got, tt.changed)
			}
			got := tr.Online()
			if len(got) != len(tt.want) {
				t.Fatalf("Online() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Online() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestOfflineForUnknownPeerPublishesNothing(t *testing.T) {
	b := bus.New()
	tr := NewTracker(b)
	tr.ApplyFullSync([]string{"u2"})

	ch, unsub := b.Subscribe("presence.", 4)
	defer unsub()

	tr.ApplyOffline("u1")

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
	if !tr.IsOnline("u2") || len(tr.Online()) != 1 {
		t.Errorf("set changed: %v", tr.Online())
	}
}

func TestMarkStaleKeepsSet(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyFullSync([]string{"u1"})
	tr.MarkStale()

	if tr.Authoritative() {
		t.Error("set should not be authoritative after MarkStale")
	}
	if !tr.IsOnline("u1") {
		t.Error("MarkStale must not drop peers")
	}

	tr.ApplyFullSync([]string{"u1"})
	if !tr.Authoritative() {
		t.Error("next full sync should restore authority")
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyFullSync([]string{"u1", "u2"})
	tr.Reset()
	if len(tr.Online()) != 0 || tr.Authoritative() {
		t.Errorf("after Reset: online=%v authoritative=%v", tr.Online(), tr.Authoritative())
	}
}
