package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"liveclass/internal/auth"
)

type joinRequest struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	IsReconnect   bool   `json:"is_reconnect"`
}

type leaveRequest struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	// At is the client-observed leave time; empty means now.
	At *time.Time `json:"at,omitempty"`
}

// participant defaults an empty id to the caller's subject and checks that
// the caller may act for it.
func participant(c *gin.Context, id string) (string, bool) {
	if id == "" {
		if claims, ok := auth.ClaimsFrom(c); ok && !claims.IsOperator() {
			id = claims.Subject
		}
	}
	if id != "" && !auth.CanActFor(c, id) {
		forbidden(c, "participants may only record their own attendance")
		return "", false
	}
	return id, true
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	pid, ok := participant(c, req.ParticipantID)
	if !ok {
		return
	}
	rec, err := h.tracker.Join(c.Request.Context(), req.SessionID, pid, req.IsReconnect)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) leave(c *gin.Context) {
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	pid, ok := participant(c, req.ParticipantID)
	if !ok {
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	rec, err := h.tracker.Leave(c.Request.Context(), req.SessionID, pid, at)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) roster(c *gin.Context) {
	roster, err := h.tracker.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *handlers) history(c *gin.Context) {
	hist, err := h.tracker.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}
