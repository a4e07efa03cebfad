// Package client is a typed HTTP client for the liveclass API. Reads and
// reconnect joins are retried with exponential backoff on transient
// failures; every other call is attempted once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"liveclass/internal/apperr"
	"liveclass/internal/attendance"
	"liveclass/internal/lifecycle"
	"liveclass/internal/session"
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	HTTP  *http.Client
	Token string
	// MaxElapsed bounds the total retry time of one idempotent call.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// Client calls the REST API.
type Client struct {
	baseURL    string
	http       *http.Client
	token      string
	maxElapsed time.Duration
	initial    time.Duration
	log        *slog.Logger
}

// New creates a client for baseURL, e.g. http://localhost:8081.
func New(baseURL string, opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       opts.HTTP,
		token:      opts.Token,
		maxElapsed: opts.MaxElapsed,
		initial:    opts.InitialInterval,
		log:        opts.Logger.With("component", "api_client"),
	}
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	err := c.retry(ctx, "client.get_session", func() error {
		return c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions lists sessions of program, optionally narrowed by status.
func (c *Client) ListSessions(ctx context.Context, program string, statuses ...session.Status) ([]*session.Session, error) {
	q := url.Values{}
	if program != "" {
		q.Set("program", program)
	}
	for _, st := range statuses {
		q.Add("status", st.String())
	}
	path := "/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	err := c.retry(ctx, "client.list_sessions", func() error {
		out.Sessions = nil
		return c.do(ctx, http.MethodGet, path, nil, &out)
	})
	return out.Sessions, err
}

// CreateSession schedules a new session. It is not retried.
func (c *Client) CreateSession(ctx context.Context, spec session.Spec) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession starts a session. It is never retried.
func (c *Client) StartSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession ends an ongoing session. It is never retried.
func (c *Client) EndSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/end", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep runs an on-demand sweep.
func (c *Client) Sweep(ctx context.Context) (lifecycle.SweepSummary, error) {
	var out lifecycle.SweepSummary
	err := c.do(ctx, http.MethodPost, "/v1/sessions/sweep", nil, &out)
	return out, err
}

type joinBody struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	IsReconnect   bool   `json:"is_reconnect"`
}

type leaveBody struct {
	SessionID     string     `json:"session_id"`
	ParticipantID string     `json:"participant_id,omitempty"`
	At            *time.Time `json:"at,omitempty"`
}

// Join records a join. Reconnect joins are idempotent on the server and are
// retried; first joins are not.
func (c *Client) Join(ctx context.Context, sessionID, participantID string, isReconnect bool) (*attendance.Record, error) {
	var out attendance.Record
	body := joinBody{SessionID: sessionID, ParticipantID: participantID, IsReconnect: isReconnect}
	call := func() error { return c.do(ctx, http.MethodPost, "/v1/attendance/join", body, &out) }

	var err error
	if isReconnect {
		err = c.retry(ctx, "client.reconnect", call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave records a leave at at, or at server time when at is zero.
func (c *Client) Leave(ctx context.Context, sessionID, participantID string, at time.Time) (*attendance.Record, error) {
	body := leaveBody{SessionID: sessionID, ParticipantID: participantID}
	if !at.IsZero() {
		body.At = &at
	}
	var out attendance.Record
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/leave", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Roster fetches the attendance roster of a session.
func (c *Client) Roster(ctx context.Context, sessionID string) (*attendance.Roster, error) {
	var out attendance.Roster
	err := c.retry(ctx, "client.roster", func() error {
		return c.do(ctx, http.MethodGet, "/v1/attendance/session/"+url.PathEscape(sessionID), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches a participant's attendance history.
func (c *Client) History(ctx context.Context, participantID string) (*attendance.History, error) {
	var out attendance.History
	err := c.retry(ctx, "client.history", func() error {
		return c.do(ctx, http.MethodGet, "/v1/attendance/participant/"+url.PathEscape(participantID), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// retry runs call until it succeeds, fails with a non-transient error, or
// the backoff budget runs out.
func (c *Client) retry(ctx context.Context, op string, call func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = c.maxElapsed

	return backoff.RetryNotify(func() error {
		err := call()
		if err != nil && !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Warn("retrying request", "op", op, "error", err, "wait", wait)
	})
}

// do sends one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", op, err)
	}
	return nil
}

// decodeError turns an error response into an *apperr.Error. Responses
// without a kind are classified by status: 429 and 5xx are transient.
func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}

	kind := apperr.Kind(body.Kind)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = apperr.KindTransient
	case kind == "" && resp.StatusCode >= 500:
		kind = apperr.KindTransient
	case kind == "" && resp.StatusCode == http.StatusNotFound:
		kind = apperr.KindNotFound
	}
	return &apperr.Error{Kind: kind, Op: op, Msg: body.Error}
}
