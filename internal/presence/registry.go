// Package presence owns the in-memory registry of live connections. It is
// the only shared mutable state in the core: all access goes through the
// Registry's narrow interface, and none of its operations touch I/O, so
// connect/disconnect bookkeeping is never delayed by a slow database or
// notifier. A best-effort persisted mirror is updated fire-and-forget.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/groupchat/internal/logger"
)

// Handle is a live connection that can accept outbound events.
type Handle interface {
	Deliver(event any) error
}

// Mirror receives online/offline flag updates for external persistence.
// The mirror is never authoritative: the registry is the source of truth
// while the process is up, and mirror failures are logged and ignored.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

const mirrorTimeout = 5 * time.Second

// Registry maps online user identities to their live connection handles.
// A user may hold several handles (one per tab/device); the user counts as
// online while at least one handle remains. All operations are total: there
// are no error conditions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[Handle]struct{}
	mirror  Mirror
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		entries: make(map[string]map[Handle]struct{}),
		mirror:  mirror,
	}
}

// RecordConnected registers the handle for the user. Last writer wins:
// re-registering the same handle is a no-op, and a reconnect simply adds the
// new handle. Reports whether the user transitioned offline -> online.
func (r *Registry) RecordConnected(userID string, h Handle) (becameOnline bool) {
	r.mu.Lock()
	handles, ok := r.entries[userID]
	if !ok {
		handles = make(map[Handle]struct{}, 1)
		r.entries[userID] = handles
		becameOnline = true
	}
	handles[h] = struct{}{}
	r.mu.Unlock()

	if becameOnline {
		r.mirrorOnline(userID, true)
	}
	return becameOnline
}

// RecordDisconnected removes the handle for the user if it is still the
// registered one. Safe against duplicate disconnects and against a
// disconnect racing a reconnect: a stale handle's disconnect never removes
// the entry a newer connect installed. Reports whether the user transitioned
// online -> offline.
func (r *Registry) RecordDisconnected(userID string, h Handle) (wentOffline bool) {
	r.mu.Lock()
	handles, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, exists := handles[h]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(handles, h)
	if len(handles) == 0 {
		delete(r.entries, userID)
		wentOffline = true
	}
	r.mu.Unlock()

	if wentOffline {
		r.mirrorOnline(userID, false)
	}
	return wentOffline
}

// IsOnline reports whether the user currently holds at least one handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.entries[userID]
	r.mu.RUnlock()
	return ok
}

// OnlineSubsetOf partitions the candidate set in a single pass: the result
// holds exactly the candidates that are currently online, each with a
// snapshot of their handles. Absent candidates are the escalation targets.
func (r *Registry) OnlineSubsetOf(userIDs []string) map[string][]Handle {
	online := make(map[string][]Handle, len(userIDs))
	r.mu.RLock()
	for _, uid := range userIDs {
		handles, ok := r.entries[uid]
		if !ok {
			continue
		}
		snapshot := make([]Handle, 0, len(handles))
		for h := range handles {
			snapshot = append(snapshot, h)
		}
		online[uid] = snapshot
	}
	r.mu.RUnlock()
	return online
}

// Online reports the number of distinct users currently online.
func (r *Registry) Online() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}

// HandlesOf returns a snapshot of the user's live handles, nil when offline.
func (r *Registry) HandlesOf(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles, ok := r.entries[userID]
	if !ok {
		return nil
	}
	snapshot := make([]Handle, 0, len(handles))
	for h := range handles {
		snapshot = append(snapshot, h)
	}
	return snapshot
}

// Drain empties the registry and returns every handle that was registered.
// Used at shutdown; no mirror updates are issued (the startup reset covers
// the persisted flags).
func (r *Registry) Drain() []Handle {
	r.mu.Lock()
	all := make([]Handle, 0, len(r.entries))
	for _, handles := range r.entries {
		for h := range handles {
			all = append(all, h)
		}
	}
	r.entries = make(map[string]map[Handle]struct{})
	r.mu.Unlock()
	return all
}

func (r *Registry) mirrorOnline(userID string, online bool) {
	if r.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.SetOnline(ctx, userID, online); err != nil {
			logger.Errorf("presence mirror user=%s online=%v: %v", userID, online, err)
		}
	}()
}
