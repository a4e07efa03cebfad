package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"liveclass/internal/apperr"
	"liveclass/internal/auth"
	"liveclass/internal/lifecycle"
	"liveclass/internal/session"
)

// SessionView is a session plus its remaining time when ongoing.
type SessionView struct {
	*session.Session
	RemainingSeconds *int64 `json:"remainingSeconds,omitempty"`
}

func (h *handlers) view(s *session.Session, now time.Time) SessionView {
	v := SessionView{Session: s}
	if s.Status == session.StatusOngoing {
		left := int64(lifecycle.RemainingTime(s, now) / time.Second)
		v.RemainingSeconds = &left
	}
	return v
}

func (h *handlers) createSession(c *gin.Context) {
	var spec session.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.badRequest(c, err)
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok {
		spec.CreatedBy = claims.Subject
	}
	s, err := h.sessions.Create(c.Request.Context(), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(s, h.scheduler.Now()))
}

func (h *handlers) updateSession(c *gin.Context) {
	var patch session.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.badRequest(c, err)
		return
	}
	s, err := h.sessions.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(s, h.scheduler.Now()))
}

func (h *handlers) getSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(s, h.scheduler.Now()))
}

// listSessions accepts ?status= repeated or comma separated.
func (h *handlers) listSessions(c *gin.Context) {
	var statuses []session.Status
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := session.ParseStatus(part)
			if err != nil {
				h.fail(c, apperr.Validation("session.list", "unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}

	list, err := h.sessions.ListByProgram(c.Request.Context(), c.Query("program"), statuses...)
	if err != nil {
		h.fail(c, err)
		return
	}
	now := h.scheduler.Now()
	out := make([]SessionView, 0, len(list))
	for _, s := range list {
		out = append(out, h.view(s, now))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *handlers) startSession(c *gin.Context) {
	s, err := h.scheduler.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(s, h.scheduler.Now()))
}

func (h *handlers) endSession(c *gin.Context) {
	s, err := h.scheduler.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(s, h.scheduler.Now()))
}

func (h *handlers) sweep(c *gin.Context) {
	sum, err := h.scheduler.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
