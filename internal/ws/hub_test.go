package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/groupchat/internal/delivery"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/presence"
	"github.com/groupchat/internal/repository"
)

type fakeHandle struct {
	mu     sync.Mutex
	events []OutgoingMessage
}

func (f *fakeHandle) Deliver(event any) error {
	out, ok := event.(OutgoingMessage)
	if !ok {
		return errors.New("unexpected event type")
	}
	f.mu.Lock()
	f.events = append(f.events, out)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) eventsOfType(t EventType) []OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutgoingMessage
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeGroups struct {
	members map[string][]string // groupID -> member IDs
}

func (f *fakeGroups) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	for _, id := range f.members[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGroups) GetMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

func (f *fakeGroups) PeerIDs(ctx context.Context, userID string) ([]string, error) {
	seen := map[string]bool{}
	var peers []string
	for _, ids := range f.members {
		inGroup := false
		for _, id := range ids {
			if id == userID {
				inGroup = true
				break
			}
		}
		if !inGroup {
			continue
		}
		for _, id := range ids {
			if id != userID && !seen[id] {
				seen[id] = true
				peers = append(peers, id)
			}
		}
	}
	return peers, nil
}

type fakeMessages struct {
	mu      sync.Mutex
	byID    map[string]*model.Message
	readers map[string]map[string]bool // messageID -> userID set
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]*model.Message{}, readers: map[string]map[string]bool{}}
}

func (f *fakeMessages) Create(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.ID] = m
	f.readers[m.ID] = map[string]bool{m.SenderID: true}
	m.ReadBy = []string{m.SenderID}
	return nil
}

func (f *fakeMessages) GetByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessages) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.readers[messageID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if set[userID] {
		return false, nil
	}
	set[userID] = true
	return true, nil
}

type fakeUsers struct{}

func (fakeUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	return &model.User{ID: id, Username: "user-" + id}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	done  chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{calls: map[string]int{}, done: make(chan string, 16)}
}

func (n *fakeNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	n.mu.Lock()
	n.calls[userID]++
	n.mu.Unlock()
	n.done <- userID
}

func (n *fakeNotifier) wait(t *testing.T, want int) {
	t.Helper()
	for i := 0; i < want; i++ {
		select {
		case <-n.done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, want)
		}
	}
}

func (n *fakeNotifier) callsFor(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[userID]
}

func newTestHub(groups *fakeGroups, messages *fakeMessages, notifier delivery.Notifier) (*Hub, *presence.Registry) {
	reg := presence.NewRegistry(nil)
	disp := delivery.NewDispatcher(reg, delivery.NewEscalator(fakeUsers{}, notifier))
	hub := NewHub(reg, disp, groups, messages, fakeUsers{}, 0)
	return hub, reg
}

func TestSendMessagePersistsAndFansOut(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7", "8", "9"}}}
	messages := newFakeMessages()
	notifier := newFakeNotifier()
	hub, reg := newTestHub(groups, messages, notifier)

	sender := &fakeHandle{}
	online := &fakeHandle{}
	reg.RecordConnected("7", sender)
	reg.RecordConnected("8", online)
	// user 9 stays offline

	msg, err := hub.SendMessage(context.Background(), "7", "g1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	notifier.wait(t, 1)

	if msg.ID == "" {
		t.Error("message has no id")
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != "7" {
		t.Errorf("new message read set = %v, want just the sender", msg.ReadBy)
	}
	if _, err := messages.GetByID(context.Background(), msg.ID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}

	got := online.eventsOfType(EventNewMessage)
	if len(got) != 1 {
		t.Fatalf("online member got %d new_message events, want 1", len(got))
	}
	delivered, ok := got[0].Payload.(*model.Message)
	if !ok || delivered.ID != msg.ID {
		t.Error("delivered payload is not the persisted message")
	}
	if n := len(sender.eventsOfType(EventNewMessage)); n != 0 {
		t.Errorf("sender got %d new_message events, want 0", n)
	}
	if notifier.callsFor("9") != 1 {
		t.Errorf("offline member got %d notifications, want 1", notifier.callsFor("9"))
	}
	if notifier.callsFor("8") != 0 || notifier.callsFor("7") != 0 {
		t.Error("online member or sender was escalated")
	}
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7", "8"}}}
	hub, _ := newTestHub(groups, newFakeMessages(), nil)

	if _, err := hub.SendMessage(context.Background(), "99", "g1", "hi", nil); !errors.Is(err, ErrNotMember) {
		t.Errorf("err = %v, want ErrNotMember", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7"}}}
	hub, _ := newTestHub(groups, newFakeMessages(), nil)

	if _, err := hub.SendMessage(context.Background(), "7", "", "hi", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("missing group: err = %v, want ErrInvalidMessage", err)
	}
	if _, err := hub.SendMessage(context.Background(), "7", "g1", "", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("empty body: err = %v, want ErrInvalidMessage", err)
	}
	atts := []model.Attachment{{URL: "https://cdn/x.png", Type: "image"}}
	if _, err := hub.SendMessage(context.Background(), "7", "g1", "", atts); err != nil {
		t.Errorf("attachment-only message rejected: %v", err)
	}
}

func TestMarkReadBroadcastsReceiptOnce(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7", "8", "9"}}}
	messages := newFakeMessages()
	hub, reg := newTestHub(groups, messages, nil)

	msg, err := hub.SendMessage(context.Background(), "7", "g1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	reader := &fakeHandle{}
	peer := &fakeHandle{}
	reg.RecordConnected("8", reader)
	reg.RecordConnected("7", peer)

	newly, err := hub.MarkRead(context.Background(), "8", msg.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !newly {
		t.Error("first read not reported as new")
	}
	if n := len(peer.eventsOfType(EventReadReceipt)); n != 1 {
		t.Fatalf("peer got %d read receipts, want 1", n)
	}
	if n := len(reader.eventsOfType(EventReadReceipt)); n != 0 {
		t.Errorf("reader got %d read receipts for their own read, want 0", n)
	}

	// Re-marking is a no-op and must not broadcast again.
	newly, err = hub.MarkRead(context.Background(), "8", msg.ID)
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if newly {
		t.Error("repeat read reported as new")
	}
	if n := len(peer.eventsOfType(EventReadReceipt)); n != 1 {
		t.Errorf("peer got %d read receipts after repeat, want still 1", n)
	}
}

func TestMarkReadBySenderIsNoop(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7", "8"}}}
	messages := newFakeMessages()
	hub, reg := newTestHub(groups, messages, nil)

	msg, err := hub.SendMessage(context.Background(), "7", "g1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	peer := &fakeHandle{}
	reg.RecordConnected("8", peer)

	// The sender is in the read set from creation.
	newly, err := hub.MarkRead(context.Background(), "7", msg.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if newly {
		t.Error("sender's mark_read reported as new")
	}
	if n := len(peer.eventsOfType(EventReadReceipt)); n != 0 {
		t.Errorf("peer got %d read receipts, want 0", n)
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{}}
	hub, _ := newTestHub(groups, newFakeMessages(), nil)

	if _, err := hub.MarkRead(context.Background(), "8", "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkReadRejectsNonMember(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"7", "8"}}}
	messages := newFakeMessages()
	hub, _ := newTestHub(groups, messages, nil)

	msg, err := hub.SendMessage(context.Background(), "7", "g1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := hub.MarkRead(context.Background(), "99", msg.ID); !errors.Is(err, ErrNotMember) {
		t.Errorf("err = %v, want ErrNotMember", err)
	}
}
