package model

import (
	"sort"
	"strings"
	"time"
)

// Group is a chat room bound to a subject and a member set. The surrogate ID
// is generated, but (SubjectID, MemberKey) is the natural key: for a given
// subject at most one group exists per canonical member set.
type Group struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SubjectID     string    `json:"subject_id,omitempty"`
	MemberKey     string    `json:"-"`
	CreatedBy     string    `json:"created_by"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type GroupMember struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	Position int       `json:"position"`
	JoinedAt time.Time `json:"joined_at"`
}

// GroupWithLastMessage is the denormalized listing shape: the group, its
// members in insertion order, the most recent message and the caller's
// unread count.
type GroupWithLastMessage struct {
	Group       Group        `json:"group"`
	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []UserPublic `json:"members"`
	UnreadCount int          `json:"unread_count"`
}

// NormalizeMembers returns the member list deduplicated, with insertion order
// preserved and empty IDs dropped.
func NormalizeMembers(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, id := range members {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CanonicalMemberKey derives the order-independent representation of a member
// set: IDs deduplicated, sorted and joined with ",". Two member lists with
// the same elements in any order produce the same key, which makes
// (subject, key) an indexable natural group identity.
func CanonicalMemberKey(members []string) string {
	ids := NormalizeMembers(members)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
