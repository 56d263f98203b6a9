package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/presence"
	"github.com/groupchat/internal/repository"
)

type GroupHandler struct {
	groupRepo *repository.GroupRepository
	msgRepo   *repository.MessageRepository
	registry  *presence.Registry
}

func NewGroupHandler(groupRepo *repository.GroupRepository, msgRepo *repository.MessageRepository, registry *presence.Registry) *GroupHandler {
	return &GroupHandler{groupRepo: groupRepo, msgRepo: msgRepo, registry: registry}
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	SubjectID string   `json:"subject_id"`
	MemberIDs []string `json:"member_ids"`
}

// CreateGroup resolves or creates the group for (subject, members). The
// calling user is always part of the member set. 201 when a group was
// created, 200 when an existing one was resolved.
func (h *GroupHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	members := append([]string{currentUserID}, req.MemberIDs...)

	group, created, err := h.groupRepo.GetOrCreate(r.Context(), req.Name, req.SubjectID, members)
	if err != nil {
		if errors.Is(err, repository.ErrEmptyMembers) {
			writeError(w, http.StatusBadRequest, "member_ids is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}

	enriched, err := h.enrichGroup(r.Context(), group, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich group")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, enriched)
}

// ResolveGroup is the lookup-flavored variant of CreateGroup: same semantics,
// always 200, intended for clients that open a conversation by member set.
func (h *GroupHandler) ResolveGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	members := append([]string{currentUserID}, req.MemberIDs...)

	group, _, err := h.groupRepo.GetOrCreate(r.Context(), req.Name, req.SubjectID, members)
	if err != nil {
		if errors.Is(err, repository.ErrEmptyMembers) {
			writeError(w, http.StatusBadRequest, "member_ids is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve group")
		return
	}

	enriched, err := h.enrichGroup(r.Context(), group, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich group")
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

// ListGroups returns the caller's groups, most recently active first.
func (h *GroupHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	limit, offset := pagination(r, 50, 200)

	groups, err := h.groupRepo.GetGroupsForUser(r.Context(), currentUserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}

	enriched := make([]*model.GroupWithLastMessage, 0, len(groups))
	for i := range groups {
		e, err := h.enrichGroup(r.Context(), &groups[i], currentUserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to enrich group")
			return
		}
		enriched = append(enriched, e)
	}
	writeJSON(w, http.StatusOK, enriched)
}

func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	if !h.requireMember(w, r, groupID, currentUserID) {
		return
	}
	group, err := h.groupRepo.GetByID(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return
	}
	enriched, err := h.enrichGroup(r.Context(), group, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich group")
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

type UpdateGroupRequest struct {
	Name string `json:"name"`
}

func (h *GroupHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	var req UpdateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !h.requireMember(w, r, groupID, currentUserID) {
		return
	}

	if err := h.groupRepo.UpdateGroup(r.Context(), groupID, req.Name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update group")
		return
	}

	group, err := h.groupRepo.GetByID(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

type UpdateMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

// UpdateMembers replaces the group's membership in full. A member set that
// would collide with another group of the same subject is rejected with 409
// and leaves the group unchanged.
func (h *GroupHandler) UpdateMembers(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	var req UpdateMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !h.requireMember(w, r, groupID, currentUserID) {
		return
	}

	if err := h.groupRepo.UpdateMembers(r.Context(), groupID, req.MemberIDs); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmptyMembers):
			writeError(w, http.StatusBadRequest, "member_ids is required")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "group not found")
		case errors.Is(err, repository.ErrDuplicateGroup):
			writeError(w, http.StatusConflict, "a group with these members already exists")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update members")
		}
		return
	}

	members, err := h.groupRepo.GetMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	writeJSON(w, http.StatusOK, h.withLivePresence(members))
}

func (h *GroupHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	if !h.requireMember(w, r, groupID, currentUserID) {
		return
	}
	members, err := h.groupRepo.GetMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	writeJSON(w, http.StatusOK, h.withLivePresence(members))
}

// UserOnline reports live presence for one user.
func (h *GroupHandler) UserOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"is_online": h.registry.IsOnline(userID),
	})
}

// requireMember writes the error response and returns false when the caller
// is not a member of the group.
func (h *GroupHandler) requireMember(w http.ResponseWriter, r *http.Request, groupID, userID string) bool {
	ok, err := h.groupRepo.IsMember(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a group member")
		return false
	}
	return true
}

// enrichGroup attaches members, the caller's unread count and the last
// message to a group for listing.
func (h *GroupHandler) enrichGroup(ctx context.Context, g *model.Group, userID string) (*model.GroupWithLastMessage, error) {
	members, err := h.groupRepo.GetMembers(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	unread, err := h.msgRepo.UnreadInGroup(ctx, userID, g.ID)
	if err != nil {
		return nil, err
	}
	out := &model.GroupWithLastMessage{
		Group:       *g,
		Members:     h.withLivePresence(members),
		UnreadCount: unread,
	}
	if g.LastMessageID != nil {
		last, err := h.msgRepo.GetByID(ctx, *g.LastMessageID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		out.LastMessage = last
	}
	return out, nil
}

// withLivePresence overrides the persisted online flag with the registry's
// view. The registry is authoritative while the process is up.
func (h *GroupHandler) withLivePresence(members []model.UserPublic) []model.UserPublic {
	for i := range members {
		members[i].IsOnline = h.registry.IsOnline(members[i].ID)
	}
	return members
}
