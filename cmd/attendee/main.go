// Command attendee is the participant-side agent. It records joins and
// leaves through the API, keeps a reconnect ledger on disk so a restarted
// agent rejoins live sessions, listens for push events and falls back to
// polling for authoritative state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"liveclass/internal/auth"
	"liveclass/internal/client"
	"liveclass/internal/logging"
	"liveclass/internal/polling"
	"liveclass/internal/reconnect"
	"liveclass/internal/session"
)

type options struct {
	apiURL       string
	participant  string
	program      string
	token        string
	signingKey   string
	issuer       string
	ledgerPath   string
	join         string
	pollInterval time.Duration
	leaveOnExit  bool
	logLevel     string
}

func main() {
	var opts options
	home, _ := os.UserHomeDir()
	flag.StringVar(&opts.apiURL, "api", envOr("LIVECLASS_API", "http://localhost:8081"), "API base URL")
	flag.StringVar(&opts.participant, "participant", os.Getenv("LIVECLASS_PARTICIPANT"), "Participant id (token subject)")
	flag.StringVar(&opts.program, "program", "", "Program to watch; empty watches every program")
	flag.StringVar(&opts.token, "token", os.Getenv("LIVECLASS_TOKEN"), "Bearer token")
	flag.StringVar(&opts.signingKey, "dev-signing-key", "", "Mint a participant token locally with this key (development only)")
	flag.StringVar(&opts.issuer, "issuer", "liveclass", "Issuer for locally minted tokens")
	flag.StringVar(&opts.ledgerPath, "ledger", filepath.Join(home, ".liveclass", "ledger.json"), "Reconnect ledger file")
	flag.StringVar(&opts.join, "join", "", "Session id to join on start")
	flag.DurationVar(&opts.pollInterval, "poll", polling.DefaultInterval, "Polling interval")
	flag.BoolVar(&opts.leaveOnExit, "leave-on-exit", false, "Leave joined sessions on shutdown instead of keeping them for reconnect")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(os.Stderr, opts.logLevel, "text")
	slog.SetDefault(logger)

	if err := run(opts, logger); err != nil {
		logger.Error("attendee stopped", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.participant == "" {
		return fmt.Errorf("-participant is required")
	}
	if opts.token == "" && opts.signingKey != "" {
		tok, _, err := auth.Issue(opts.participant, auth.RoleParticipant, opts.issuer, opts.signingKey, 12*time.Hour)
		if err != nil {
			return fmt.Errorf("minting dev token: %w", err)
		}
		opts.token = tok
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := client.New(opts.apiURL, client.Options{Token: opts.token, Logger: logger})
	ledger, err := reconnect.NewLedger(ctx, reconnect.FileStore{Path: opts.ledgerPath})
	if err != nil {
		return err
	}
	mgr := reconnect.NewManager(api, ledger, logger)

	if _, err := mgr.Restore(ctx); err != nil {
		return err
	}
	if opts.join != "" {
		rec, err := mgr.Join(ctx, opts.join, opts.participant)
		if err != nil {
			return fmt.Errorf("joining %s: %w", opts.join, err)
		}
		logger.Info("joined", "session_id", rec.SessionID, "first_joined_at", rec.FirstJoinedAt)
	}

	syncer := polling.New(func(ctx context.Context) ([]*session.Session, error) {
		return api.ListSessions(ctx, opts.program)
	}, func(list []*session.Session) {
		mgr.Reconcile(ctx, list)
		logger.Debug("state reconciled", "sessions", len(list), "joined", len(ledger.Entries()))
	}, polling.Options{Interval: opts.pollInterval, Name: "sessions", Logger: logger})

	w := &watcher{
		apiURL:  opts.apiURL,
		token:   opts.token,
		program: opts.program,
		onEvent: syncer.Trigger,
		onGap:   syncer.Trigger,
		log:     logger.With("component", "watcher"),
	}
	go w.Run(ctx)

	_ = syncer.Run(ctx)

	if opts.leaveOnExit {
		leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelLeave()
		for _, e := range ledger.Entries() {
			if _, err := mgr.Leave(leaveCtx, e.SessionID, e.ParticipantID); err != nil {
				logger.Warn("leave on exit failed", "session_id", e.SessionID, "error", err)
			}
		}
	}
	logger.Info("attendee exited", "ledger_entries", len(ledger.Entries()))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
