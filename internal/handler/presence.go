package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/presence"
)

// PresenceHandler serves the REST view of room presence: the same
// snapshot a joining socket receives as users-online. The frontend polls
// it before its socket is up; ops use it to see who is in a proposal.
type PresenceHandler struct {
	Presence *presence.Manager
	Log      *zap.Logger
}

func (h *PresenceHandler) Get(c *gin.Context) {
	proposalID := c.Param("id")
	if proposalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing proposal id"})
		return
	}

	users, err := h.Presence.Snapshot(c.Request.Context(), proposalID)
	if err != nil {
		// Same degradation as the socket path: presence is best effort.
		h.Log.Warn("presence snapshot failed", zap.String("room", proposalID), zap.Error(err))
		users = map[string]presence.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"proposalId": proposalID,
		"users":      users,
	})
}
