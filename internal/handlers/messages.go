package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// MessagesResponse is one page of channel history, newest first.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// ClearResponse reports how many messages a clear removed.
type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// PostMessage ingests a message into the channel named in the path. It is
// stored first and announced on the bus only once the write succeeded.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ChannelID = chi.URLParam(r, "channelId")

	msg, err := h.ingest.SubmitMessage(r.Context(), req)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// ListMessages pages through a channel's history. before is an epoch
// millisecond cursor taken from the last message of the previous page.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > 100 {
		limit = 100
	}

	var before time.Time
	if b := q.Get("before"); b != "" {
		ms, err := strconv.ParseInt(b, 10, 64)
		if err != nil || ms <= 0 {
			h.Error(w, http.StatusBadRequest, "before must be epoch milliseconds")
			return
		}
		before = time.UnixMilli(ms)
	}

	channelID := chi.URLParam(r, "channelId")
	if _, err := h.store.GetChannelDetails(r.Context(), channelID); err != nil {
		h.storeError(w, r, err)
		return
	}

	// Fetch one extra to know whether another page exists.
	messages, err := h.store.GetMessagesForChannel(r.Context(), channelID, limit+1, before)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.JSON(w, http.StatusOK, MessagesResponse{Messages: messages, HasMore: hasMore})
}

// DeleteMessage removes one message and announces it.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.DeleteMessage(r.Context(), chi.URLParam(r, "messageId")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearChannel removes every message of a channel and announces it.
func (h *Handler) ClearChannel(w http.ResponseWriter, r *http.Request) {
	n, err := h.ingest.ClearChannel(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ClearResponse{Deleted: n})
}
