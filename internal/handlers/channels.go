package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// ChannelsResponse lists channels.
type ChannelsResponse struct {
	Channels []models.Channel `json:"channels"`
}

// CreateChannelRequest is the body of POST /messaging/central-channels.
type CreateChannelRequest struct {
	ServerID       string             `json:"serverId"`
	Name           string             `json:"name"`
	Type           models.ChannelType `json:"type"`
	SourceType     string             `json:"sourceType,omitempty"`
	SourceID       string             `json:"sourceId,omitempty"`
	Topic          string             `json:"topic,omitempty"`
	Metadata       models.Metadata    `json:"metadata,omitempty"`
	ParticipantIDs []string           `json:"participantCentralUserIds,omitempty"`
}

// ParticipantsRequest is the body of POST .../{channelId}/participants.
type ParticipantsRequest struct {
	UserIDs []string `json:"userIds"`
}

// ServerChannels lists the channels of a server.
func (h *Handler) ServerChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.GetChannelsForServer(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	h.JSON(w, http.StatusOK, ChannelsResponse{Channels: channels})
}

// CreateChannel creates a channel with its initial participants.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.Name = sanitizeName(req.Name)
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = models.ChannelTypeGroup
	}
	if !req.Type.Valid() {
		h.Error(w, http.StatusBadRequest, "unknown channel type "+string(req.Type))
		return
	}
	if strings.TrimSpace(req.ServerID) == "" {
		req.ServerID = models.DefaultServerID
	}

	channel, err := h.store.CreateChannel(r.Context(), &models.Channel{
		MessageServerID: req.ServerID,
		Name:            req.Name,
		Type:            req.Type,
		SourceType:      req.SourceType,
		SourceID:        req.SourceID,
		Topic:           req.Topic,
		Metadata:        req.Metadata,
	}, req.ParticipantIDs...)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, channel)
}

// ChannelDetails returns one channel.
func (h *Handler) ChannelDetails(w http.ResponseWriter, r *http.Request) {
	channel, err := h.store.GetChannelDetails(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, channel)
}

// UpdateChannel patches name, topic or metadata. A participant list, when
// given, replaces the current members.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	var update models.ChannelUpdate
	if !h.decode(w, r, &update) {
		return
	}
	if update.Name != nil {
		name := sanitizeName(*update.Name)
		if name == "" {
			h.Error(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		update.Name = &name
	}

	channel, err := h.store.UpdateChannel(r.Context(), chi.URLParam(r, "channelId"), update)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, channel)
}

// DeleteChannel removes a channel. Agents see a channel_cleared event.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.DeleteChannel(r.Context(), chi.URLParam(r, "channelId")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChannelParticipants lists the member ids of a channel as a bare array.
func (h *Handler) ChannelParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.store.GetChannelParticipants(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, participants)
}

// AddChannelParticipants adds members to a channel.
func (h *Handler) AddChannelParticipants(w http.ResponseWriter, r *http.Request) {
	var req ParticipantsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.UserIDs) == 0 {
		h.Error(w, http.StatusBadRequest, "userIds is required")
		return
	}

	channelID := chi.URLParam(r, "channelId")
	if err := h.store.AddChannelParticipants(r.Context(), channelID, req.UserIDs...); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.ChannelParticipants(w, r)
}

// RemoveChannelParticipant removes one member from a channel.
func (h *Handler) RemoveChannelParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.store.RemoveChannelParticipants(r.Context(), chi.URLParam(r, "channelId"), chi.URLParam(r, "userId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DMChannel finds or creates the direct-message channel between two users.
func (h *Handler) DMChannel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	current := strings.TrimSpace(q.Get("currentUserId"))
	target := strings.TrimSpace(q.Get("targetUserId"))
	if current == "" || target == "" {
		h.Error(w, http.StatusBadRequest, "currentUserId and targetUserId are required")
		return
	}
	if current == target {
		h.Error(w, http.StatusBadRequest, "cannot open a DM with yourself")
		return
	}
	serverID := strings.TrimSpace(q.Get("serverId"))
	if serverID == "" {
		serverID = models.DefaultServerID
	}

	channel, err := h.store.FindOrCreateDMChannel(r.Context(), current, target, serverID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, channel)
}
