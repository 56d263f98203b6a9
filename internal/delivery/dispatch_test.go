package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/presence"
)

type recordingHandle struct {
	mu     sync.Mutex
	events []any
	fail   bool
}

func (h *recordingHandle) Deliver(event any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("broken pipe")
	}
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	done  chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: make(map[string]int), done: make(chan string, 16)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	n.mu.Lock()
	n.calls[userID]++
	n.mu.Unlock()
	n.done <- userID
}

func (n *recordingNotifier) wait(t *testing.T, want int) {
	t.Helper()
	for i := 0; i < want; i++ {
		select {
		case <-n.done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, want)
		}
	}
}

func (n *recordingNotifier) callsFor(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[userID]
}

type fakeUsers struct {
	missing map[string]bool
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	if f.missing[id] {
		return nil, errors.New("not found")
	}
	return &model.User{ID: id, Username: "user-" + id}, nil
}

func testMessage(sender string) *model.Message {
	return &model.Message{
		ID:        "m1",
		GroupID:   "g1",
		SenderID:  sender,
		Text:      "hi",
		ReadBy:    []string{sender},
		CreatedAt: time.Now().UTC(),
	}
}

func TestDispatchPartitionsOnlineAndOffline(t *testing.T) {
	reg := presence.NewRegistry(nil)
	h7 := &recordingHandle{}
	h8 := &recordingHandle{}
	reg.RecordConnected("7", h7)
	reg.RecordConnected("8", h8)
	// user 9 is offline

	notifier := newRecordingNotifier()
	d := NewDispatcher(reg, NewEscalator(&fakeUsers{}, notifier))

	d.Dispatch(context.Background(), testMessage("7"), "user-7", []string{"7", "8", "9"}, "ev")
	notifier.wait(t, 1)

	if h8.count() != 1 {
		t.Errorf("online member 8 got %d deliveries, want 1", h8.count())
	}
	if h7.count() != 0 {
		t.Errorf("sender 7 got %d deliveries, want 0", h7.count())
	}
	if notifier.callsFor("9") != 1 {
		t.Errorf("offline member 9 got %d notifications, want 1", notifier.callsFor("9"))
	}
	if notifier.callsFor("7") != 0 || notifier.callsFor("8") != 0 {
		t.Error("unexpected notification for sender or online member")
	}
}

func TestDispatchOfflineSenderNotEscalated(t *testing.T) {
	reg := presence.NewRegistry(nil)
	h8 := &recordingHandle{}
	reg.RecordConnected("8", h8)

	notifier := newRecordingNotifier()
	d := NewDispatcher(reg, NewEscalator(&fakeUsers{}, notifier))

	// Sender 7 disconnected before dispatch: still never notified.
	d.Dispatch(context.Background(), testMessage("7"), "user-7", []string{"7", "8", "9"}, "ev")
	notifier.wait(t, 1)

	if notifier.callsFor("7") != 0 {
		t.Errorf("offline sender got %d notifications, want 0", notifier.callsFor("7"))
	}
	if notifier.callsFor("9") != 1 {
		t.Errorf("offline member 9 got %d notifications, want 1", notifier.callsFor("9"))
	}
}

func TestDispatchIsolatesBrokenHandle(t *testing.T) {
	reg := presence.NewRegistry(nil)
	broken := &recordingHandle{fail: true}
	healthy := &recordingHandle{}
	reg.RecordConnected("2", broken)
	reg.RecordConnected("3", healthy)

	d := NewDispatcher(reg, nil)
	d.Dispatch(context.Background(), testMessage("1"), "user-1", []string{"1", "2", "3"}, "ev")

	if healthy.count() != 1 {
		t.Errorf("healthy handle got %d deliveries, want 1 despite the broken peer", healthy.count())
	}
}

func TestDispatchDeliversToAllHandlesOfAUser(t *testing.T) {
	reg := presence.NewRegistry(nil)
	tab1 := &recordingHandle{}
	tab2 := &recordingHandle{}
	reg.RecordConnected("8", tab1)
	reg.RecordConnected("8", tab2)

	d := NewDispatcher(reg, nil)
	d.Dispatch(context.Background(), testMessage("7"), "user-7", []string{"7", "8"}, "ev")

	if tab1.count() != 1 || tab2.count() != 1 {
		t.Errorf("expected both handles to receive the event, got %d and %d", tab1.count(), tab2.count())
	}
}

func TestEscalateIsolatesLookupFailure(t *testing.T) {
	notifier := newRecordingNotifier()
	e := NewEscalator(&fakeUsers{missing: map[string]bool{"9": true}}, notifier)

	e.Escalate(context.Background(), testMessage("7"), "user-7", []string{"9", "10"})
	notifier.wait(t, 1)

	if notifier.callsFor("9") != 0 {
		t.Error("recipient with failed lookup was notified")
	}
	if notifier.callsFor("10") != 1 {
		t.Errorf("recipient 10 got %d notifications, want 1", notifier.callsFor("10"))
	}
}

func TestEscalateNilNotifierIsNoop(t *testing.T) {
	e := NewEscalator(&fakeUsers{}, nil)
	// Must not panic.
	e.Escalate(context.Background(), testMessage("7"), "user-7", []string{"9"})
}
