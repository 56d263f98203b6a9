package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/groupchat/internal/delivery"
	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/presence"
)

var (
	ErrInvalidMessage = errors.New("message needs a group and text or attachments")
	ErrNotMember      = errors.New("user is not a member of the group")
)

// peerLookupTimeout bounds the background query behind a presence broadcast.
const peerLookupTimeout = 5 * time.Second

// GroupStore is the slice of the group repository the hub needs.
type GroupStore interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, groupID string) ([]string, error)
	PeerIDs(ctx context.Context, userID string) ([]string, error)
}

// MessageStore persists messages and read state.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (bool, error)
}

// UserStore resolves senders for enrichment and notification titles.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Hub owns client registration and routes inbound events. Message fan-out
// itself is delegated to the dispatcher; the hub's Run loop only does
// in-memory bookkeeping, never I/O.
type Hub struct {
	registry   *presence.Registry
	dispatcher *delivery.Dispatcher
	groups     GroupStore
	messages   MessageStore
	users      UserStore

	// maxConns caps concurrent connections; 0 disables the cap.
	// total is touched only by the Run goroutine.
	maxConns int
	total    int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(registry *presence.Registry, dispatcher *delivery.Dispatcher, groups GroupStore, messages MessageStore, users UserStore, maxConns int) *Hub {
	return &Hub{
		registry:   registry,
		dispatcher: dispatcher,
		groups:     groups,
		messages:   messages,
		users:      users,
		maxConns:   maxConns,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registration events until ctx is cancelled, then closes every
// remaining client. Call exactly once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	logger.Info("ws hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, handle := range h.registry.Drain() {
				if c, ok := handle.(*Client); ok {
					c.Close()
				}
			}
			logger.Info("ws hub stopped")
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// Done is closed once the Run loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register hands a new client to the Run loop.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister hands a departing client to the Run loop.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	if h.maxConns > 0 && h.total >= h.maxConns {
		logger.Errorf("ws connection cap reached (%d), rejecting user=%s", h.maxConns, c.userID)
		_ = c.Deliver(errorEvent("server at connection capacity"))
		c.Close()
		return
	}
	h.total++
	c.counted = true
	logger.Infof("ws client connected user=%s total=%d", c.userID, h.total)
	if h.registry.RecordConnected(c.userID, c) {
		h.broadcastPresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	if c.counted {
		c.counted = false
		h.total--
	}
	c.Close()
	logger.Infof("ws client disconnected user=%s total=%d", c.userID, h.total)
	if h.registry.RecordDisconnected(c.userID, c) {
		h.broadcastPresence(c.userID, false)
	}
}

// broadcastPresence tells every connected co-member about the user's
// transition. The peer query runs off the Run loop goroutine.
func (h *Hub) broadcastPresence(userID string, online bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), peerLookupTimeout)
		defer cancel()
		peers, err := h.groups.PeerIDs(ctx, userID)
		if err != nil {
			logger.Errorf("presence broadcast peers user=%s: %v", userID, err)
			return
		}
		event := OutgoingMessage{
			Type:    EventPresenceChanged,
			Payload: PresenceChangedPayload{UserID: userID, IsOnline: online},
		}
		h.deliverTo(peers, userID, event)
	}()
}

// deliverTo sends event to every online user in userIDs except skipID.
func (h *Hub) deliverTo(userIDs []string, skipID string, event OutgoingMessage) {
	for uid, handles := range h.registry.OnlineSubsetOf(userIDs) {
		if uid == skipID {
			continue
		}
		for _, handle := range handles {
			if err := handle.Deliver(event); err != nil {
				logger.Errorf("ws deliver user=%s: %v", uid, err)
			}
		}
	}
}

// HandleMessage routes one inbound client event. Errors are reported back to
// the offending client only.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSendMessage:
		if _, err := h.SendMessage(ctx, c.userID, msg.GroupID, msg.Text, msg.Attachments); err != nil {
			logger.Errorf("ws send_message user=%s group=%s: %v", c.userID, msg.GroupID, err)
			_ = c.Deliver(errorEvent(sendErrorText(err)))
		}
	case EventMarkRead:
		if _, err := h.MarkRead(ctx, c.userID, msg.MessageID); err != nil {
			logger.Errorf("ws mark_read user=%s msg=%s: %v", c.userID, msg.MessageID, err)
			_ = c.Deliver(errorEvent(sendErrorText(err)))
		}
	default:
		_ = c.Deliver(errorEvent("unknown event type"))
	}
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrNotMember):
		return err.Error()
	default:
		return "internal error"
	}
}

// SendMessage validates, persists and fans out a message. Shared by the
// WebSocket path and the REST handler. Fan-out happens only after the
// persistence transaction committed.
func (h *Hub) SendMessage(ctx context.Context, senderID, groupID, text string, attachments []model.Attachment) (*model.Message, error) {
	defer logger.DeferLogDuration("hub.SendMessage", time.Now())()
	if groupID == "" || (text == "" && len(attachments) == 0) {
		return nil, ErrInvalidMessage
	}
	ok, err := h.groups.IsMember(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}

	m := &model.Message{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		SenderID:    senderID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	senderName := ""
	if sender, err := h.users.GetByID(ctx, senderID); err == nil {
		senderName = sender.Username
		pub := sender.ToPublic()
		m.Sender = &pub
	} else {
		logger.Errorf("sender lookup user=%s: %v", senderID, err)
	}

	memberIDs, err := h.groups.GetMemberIDs(ctx, groupID)
	if err != nil {
		// The message is committed; the send succeeded even if fan-out cannot run.
		logger.Errorf("member lookup group=%s: %v", groupID, err)
		return m, nil
	}
	h.dispatcher.Dispatch(ctx, m, senderName, memberIDs, OutgoingMessage{Type: EventNewMessage, Payload: m})
	return m, nil
}

// MarkRead records that the user has read the message and, on the first read
// only, broadcasts a receipt to the other connected group members. Re-marking
// is a silent no-op. Shared by the WebSocket path and the REST handler.
func (h *Hub) MarkRead(ctx context.Context, userID, messageID string) (bool, error) {
	defer logger.DeferLogDuration("hub.MarkRead", time.Now())()
	if messageID == "" {
		return false, ErrInvalidMessage
	}
	msg, err := h.messages.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	ok, err := h.groups.IsMember(ctx, msg.GroupID, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotMember
	}

	newlyRead, err := h.messages.MarkRead(ctx, messageID, userID)
	if err != nil {
		return false, err
	}
	if !newlyRead {
		return false, nil
	}

	memberIDs, err := h.groups.GetMemberIDs(ctx, msg.GroupID)
	if err != nil {
		logger.Errorf("member lookup group=%s: %v", msg.GroupID, err)
		return true, nil
	}
	event := OutgoingMessage{
		Type:    EventReadReceipt,
		Payload: ReadReceiptPayload{MessageID: messageID, UserID: userID},
	}
	h.deliverTo(memberIDs, userID, event)
	return true, nil
}
