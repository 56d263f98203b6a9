package presence

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) Deliver(event any) error { return nil }

type statusUpdate struct {
	userID string
	online bool
}

type fakeMirror struct {
	updates chan statusUpdate
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{updates: make(chan statusUpdate, 64)}
}

func (m *fakeMirror) SetOnline(ctx context.Context, userID string, online bool) error {
	m.updates <- statusUpdate{userID: userID, online: online}
	return nil
}

func (m *fakeMirror) next(t *testing.T) statusUpdate {
	t.Helper()
	select {
	case u := <-m.updates:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mirror update")
		return statusUpdate{}
	}
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	h := &fakeHandle{id: "a"}

	if r.IsOnline("8") {
		t.Fatal("user online before connect")
	}
	if !r.RecordConnected("8", h) {
		t.Error("first connect should report becameOnline")
	}
	if !r.IsOnline("8") {
		t.Fatal("user offline after connect")
	}
	if !r.RecordDisconnected("8", h) {
		t.Error("last disconnect should report wentOffline")
	}
	if r.IsOnline("8") {
		t.Fatal("user online after disconnect")
	}
}

func TestDuplicateDisconnectTolerated(t *testing.T) {
	r := NewRegistry(nil)
	h := &fakeHandle{id: "a"}

	// Disconnect before any connect must be a no-op.
	if r.RecordDisconnected("8", h) {
		t.Error("disconnect of unknown user reported wentOffline")
	}

	r.RecordConnected("8", h)
	r.RecordDisconnected("8", h)
	if r.RecordDisconnected("8", h) {
		t.Error("second disconnect reported wentOffline")
	}
}

func TestDisconnectThenReconnectKeepsNewHandle(t *testing.T) {
	r := NewRegistry(nil)
	old := &fakeHandle{id: "old"}
	fresh := &fakeHandle{id: "new"}

	r.RecordConnected("8", old)
	r.RecordDisconnected("8", old)
	r.RecordConnected("8", fresh)

	handles := r.HandlesOf("8")
	if len(handles) != 1 {
		t.Fatalf("expected exactly one handle, got %d", len(handles))
	}
	if handles[0] != fresh {
		t.Error("registry points at the stale handle")
	}
}

func TestStaleDisconnectDoesNotRemoveNewHandle(t *testing.T) {
	r := NewRegistry(nil)
	old := &fakeHandle{id: "old"}
	fresh := &fakeHandle{id: "new"}

	r.RecordConnected("8", old)
	r.RecordConnected("8", fresh)
	// The old connection's teardown arrives after the reconnect.
	if r.RecordDisconnected("8", old) {
		t.Error("stale disconnect reported wentOffline while a newer handle exists")
	}
	if !r.IsOnline("8") {
		t.Fatal("user went offline although the new handle is still registered")
	}
	handles := r.HandlesOf("8")
	if len(handles) != 1 || handles[0] != fresh {
		t.Errorf("expected only the new handle to remain, got %d handles", len(handles))
	}
}

func TestOnlineSubsetOf(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordConnected("5", &fakeHandle{id: "5"})
	r.RecordConnected("9", &fakeHandle{id: "9"})

	online := r.OnlineSubsetOf([]string{"3", "5", "9"})
	if len(online) != 2 {
		t.Fatalf("expected 2 online members, got %d", len(online))
	}
	if _, ok := online["5"]; !ok {
		t.Error("user 5 missing from online subset")
	}
	if _, ok := online["9"]; !ok {
		t.Error("user 9 missing from online subset")
	}
	if _, ok := online["3"]; ok {
		t.Error("offline user 3 included in online subset")
	}
}

func TestMirrorUpdatesOnTransitionsOnly(t *testing.T) {
	m := newFakeMirror()
	r := NewRegistry(m)
	h1 := &fakeHandle{id: "a"}
	h2 := &fakeHandle{id: "b"}

	r.RecordConnected("8", h1)
	if u := m.next(t); u.userID != "8" || !u.online {
		t.Errorf("expected online mirror for 8, got %+v", u)
	}

	// Second handle for the same user: no transition, no mirror update.
	r.RecordConnected("8", h2)
	r.RecordDisconnected("8", h1)
	select {
	case u := <-m.updates:
		t.Fatalf("unexpected mirror update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	r.RecordDisconnected("8", h2)
	if u := m.next(t); u.userID != "8" || u.online {
		t.Errorf("expected offline mirror for 8, got %+v", u)
	}
}

func TestDrain(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordConnected("1", &fakeHandle{id: "a"})
	r.RecordConnected("1", &fakeHandle{id: "b"})
	r.RecordConnected("2", &fakeHandle{id: "c"})

	if r.Online() != 2 {
		t.Errorf("Online() = %d, want 2", r.Online())
	}
	all := r.Drain()
	if len(all) != 3 {
		t.Errorf("expected 3 drained handles, got %d", len(all))
	}
	if r.IsOnline("1") || r.IsOnline("2") || r.Online() != 0 {
		t.Error("registry not empty after drain")
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := strconv.Itoa(i % 10)
			h := &fakeHandle{id: strconv.Itoa(i)}
			r.RecordConnected(uid, h)
			r.IsOnline(uid)
			r.OnlineSubsetOf([]string{"0", "1", "2", "3", "4"})
			r.RecordDisconnected(uid, h)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if r.IsOnline(strconv.Itoa(i)) {
			t.Errorf("user %d still online after all disconnects", i)
		}
	}
}
