// Package delivery fans a persisted message out to the connected members of
// its group and escalates to an out-of-band notification for everyone else.
// Both halves isolate failures per recipient: one broken connection or one
// failed notification never affects the rest, and nothing here can fail the
// already-committed send.
package delivery

import (
	"context"
	"time"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/presence"
)

// Notifier triggers one out-of-band notification. One-shot: retry policy
// belongs to the notification transport, not to this core.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// UserLookup resolves a recipient before escalating to them.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

const escalateTimeout = 10 * time.Second

// Escalator sends exactly one notification per offline recipient of a
// message. Every attempt is independent and best-effort.
type Escalator struct {
	users    UserLookup
	notifier Notifier
}

func NewEscalator(users UserLookup, notifier Notifier) *Escalator {
	return &Escalator{users: users, notifier: notifier}
}

// Escalate notifies each id in offline, excluding the sender. A lookup or
// delivery failure for one recipient is logged and does not affect others.
// Callers do not wait on the attempts.
func (e *Escalator) Escalate(ctx context.Context, msg *model.Message, senderName string, offline []string) {
	if e.notifier == nil || len(offline) == 0 {
		return
	}
	if senderName == "" {
		senderName = "New message"
	}
	body := msg.Text
	if body == "" && len(msg.Attachments) > 0 {
		body = "Attachment"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"group_id": msg.GroupID, "message_id": msg.ID}

	for _, uid := range offline {
		if uid == msg.SenderID {
			continue
		}
		uid := uid
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), escalateTimeout)
			defer cancel()
			if _, err := e.users.GetByID(nctx, uid); err != nil {
				logger.Errorf("escalate lookup user=%s msg=%s: %v", uid, msg.ID, err)
				return
			}
			e.notifier.Notify(nctx, uid, senderName, body, data)
		}()
	}
}

// Dispatcher delivers a persisted message to the connected members of its
// group and hands the offline complement to the escalator.
type Dispatcher struct {
	registry  *presence.Registry
	escalator *Escalator
}

func NewDispatcher(registry *presence.Registry, escalator *Escalator) *Dispatcher {
	return &Dispatcher{registry: registry, escalator: escalator}
}

// Dispatch partitions memberIDs into online and offline in a single pass,
// delivers event to every online member's handles except the sender's, and
// escalates to the offline complement. Call only after msg has been
// persisted. A delivery error on one handle is logged and the fan-out
// continues.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *model.Message, senderName string, memberIDs []string, event any) {
	defer logger.DeferLogDuration("delivery.Dispatch", time.Now())()
	online := d.registry.OnlineSubsetOf(memberIDs)

	offline := make([]string, 0, len(memberIDs))
	for _, uid := range memberIDs {
		if uid == msg.SenderID {
			continue
		}
		handles, ok := online[uid]
		if !ok {
			offline = append(offline, uid)
			continue
		}
		for _, h := range handles {
			if err := h.Deliver(event); err != nil {
				logger.Errorf("dispatch deliver user=%s msg=%s: %v", uid, msg.ID, err)
			}
		}
	}

	if d.escalator != nil {
		d.escalator.Escalate(ctx, msg, senderName, offline)
	}
}
