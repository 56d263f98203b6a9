package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/groupchat/internal/middleware"
	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/repository"
	"github.com/groupchat/internal/ws"
)

type MessageHandler struct {
	msgRepo   *repository.MessageRepository
	groupRepo *repository.GroupRepository
	hub       *ws.Hub
}

func NewMessageHandler(msgRepo *repository.MessageRepository, groupRepo *repository.GroupRepository, hub *ws.Hub) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, groupRepo: groupRepo, hub: hub}
}

// ListMessages returns a group's messages, newest first.
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	ok, err := h.groupRepo.IsMember(r.Context(), groupID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a group member")
		return
	}

	limit, offset := pagination(r, 50, 200)
	messages, err := h.msgRepo.ListByGroup(r.Context(), groupID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type SendMessageRequest struct {
	Text        string             `json:"text"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// SendMessage is the REST entry into the same path the WebSocket uses:
// validate, persist, fan out, escalate.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	msg, err := h.hub.SendMessage(r.Context(), currentUserID, groupID, req.Text, req.Attachments)
	if err != nil {
		switch {
		case errors.Is(err, ws.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ws.ErrNotMember):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead records a read through the shared hub path. Idempotent: the
// response reports whether this call was the first read.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	messageID := chi.URLParam(r, "id")

	newlyRead, err := h.hub.MarkRead(r.Context(), currentUserID, messageID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, ws.ErrNotMember):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, ws.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to mark read")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID,
		"newly_read": newlyRead,
	})
}

// UnreadTotal returns the caller's unread count across all their groups.
func (h *MessageHandler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	count, err := h.msgRepo.UnreadTotal(r.Context(), currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": count})
}

// UnreadInGroup returns the caller's unread count for one group.
func (h *MessageHandler) UnreadInGroup(w http.ResponseWriter, r *http.Request) {
	currentUserID := middleware.GetUserID(r.Context())
	groupID := chi.URLParam(r, "id")

	ok, err := h.groupRepo.IsMember(r.Context(), groupID, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a group member")
		return
	}

	count, err := h.msgRepo.UnreadInGroup(r.Context(), currentUserID, groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "count": count})
}
