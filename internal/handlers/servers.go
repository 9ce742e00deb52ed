package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// ServersResponse lists server ids.
type ServersResponse struct {
	Servers []string `json:"servers"`
}

// AgentsResponse lists agent ids.
type AgentsResponse struct {
	Agents []string `json:"agents"`
}

// CreateServerRequest is the body of POST /messaging/central-servers.
type CreateServerRequest struct {
	Name       string          `json:"name"`
	SourceType string          `json:"sourceType"`
	SourceID   string          `json:"sourceId,omitempty"`
	Metadata   models.Metadata `json:"metadata,omitempty"`
}

// AgentMembershipRequest is the body of POST .../{serverId}/agents.
type AgentMembershipRequest struct {
	AgentID string `json:"agentId"`
}

// AgentServers lists the servers an agent is attached to.
func (h *Handler) AgentServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.GetServersForAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ServersResponse{Servers: servers})
}

// ListServers lists every message server.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.GetMessageServers(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string][]models.MessageServer{"servers": servers})
}

// CreateServer registers a message server.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.Name = sanitizeName(req.Name)
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	req.SourceType = strings.TrimSpace(req.SourceType)
	if req.SourceType == "" {
		h.Error(w, http.StatusBadRequest, "sourceType is required")
		return
	}

	server, err := h.store.CreateMessageServer(r.Context(), &models.MessageServer{
		Name:       req.Name,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, server)
}

// GetServer returns one message server.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	server, err := h.store.GetMessageServerByID(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, server)
}

// DeleteServer removes a server with its channels and agent associations.
// Attached agents are told through ingest.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	if serverID == models.DefaultServerID {
		h.Error(w, http.StatusBadRequest, "the default server cannot be deleted")
		return
	}
	if err := h.ingest.DeleteServer(r.Context(), serverID); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServerAgents lists the agents attached to a server.
func (h *Handler) ServerAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.GetAgentsForServer(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

// AddAgentToServer attaches an agent and announces it on the bus.
func (h *Handler) AddAgentToServer(w http.ResponseWriter, r *http.Request) {
	var req AgentMembershipRequest
	if !h.decode(w, r, &req) {
		return
	}
	serverID := chi.URLParam(r, "serverId")
	if err := h.ingest.AddAgentToServer(r.Context(), serverID, strings.TrimSpace(req.AgentID)); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, models.ServerAgent{MessageServerID: serverID, AgentID: strings.TrimSpace(req.AgentID)})
}

// RemoveAgentFromServer detaches an agent and announces it on the bus.
func (h *Handler) RemoveAgentFromServer(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.RemoveAgentFromServer(r.Context(), chi.URLParam(r, "serverId"), chi.URLParam(r, "agentId")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
