package ids

import (
	"github.com/google/uuid"
)

// NewUUIDv7 generates a time-ordered UUID v7 string.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ForAgent maps a central id into an agent's private id space. The result is
// stable for the same (agentID, id) pair and differs across agents, so two
// agents never share a world, room or memory id for the same central entity.
func ForAgent(agentID, id string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(agentID))
	return uuid.NewSHA1(ns, []byte(id)).String()
}
