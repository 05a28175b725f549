package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/unilink/chatd/internal/chat"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/zap"
)

type startConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusBadRequest, string(chat.CodeInvalidArgument), msg)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (h *handlers) startConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	id, err := h.Chat.StartConversation(r.Context(), UserID(r.Context()), strings.TrimSpace(req.OtherUserID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

// listConversations never fails hard: when the store is unreachable the
// client still gets an empty list it can render, plus the error.
func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Chat.ListConversations(r.Context(), UserID(r.Context()))
	if err != nil {
		h.Log.Warn("list conversations failed", zap.Error(err))
		writeJSON(w, statusFor(chat.CodeOf(err)), map[string]any{
			"conversations": []store.ConversationSummary{},
			"error":         errorPayload(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (h *handlers) fetchMessages(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", chat.DefaultPageSize)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	viewer := UserID(ctx)
	convID := chi.URLParam(r, "id")
	msgs, err := h.Chat.FetchMessages(ctx, store.FetchMessagesInput{
		ConversationID: convID,
		ViewerID:       viewer,
		Offset:         offset,
		Limit:          limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"messages": msgs}
	if at, ok, err := h.Chat.ClearedAt(ctx, viewer, convID); err == nil && ok {
		resp["cleared_at"] = at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	msg, err := h.Chat.SendMessage(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *handlers) clearChat(w http.ResponseWriter, r *http.Request) {
	at, err := h.Chat.ClearChat(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared_at": at})
}

func (h *handlers) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.DeleteChat(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.MarkRead(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) recentChats(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	list, err := h.Chat.RecentChats(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent_chats": list})
}
