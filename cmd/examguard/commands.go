package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"examguard/internal/api"
	"examguard/internal/ingest"
	"examguard/internal/model"
	"examguard/internal/storage"
)

func runServeCmd(_ *cobra.Command, _ []string) error {
	cfgManager, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfgManager)
	if err != nil {
		return err
	}
	cfg := cfgManager.Get()
	a.logger.Info("examguard starting", "version", version, "config", cfgManager.Path())

	frames := make(chan model.Frame, cfg.Ingest.ChannelBuffer)
	a.engine.Start(ctx, frames)

	ingest.StartREST(ctx, cfgManager, frames, a.logger)
	ingest.StartTCPStream(ctx, cfgManager, frames, a.logger)
	ingest.StartKafka(ctx, cfgManager, frames, a.logger)

	server := api.New(api.Deps{
		Config:    cfgManager,
		Store:     a.store,
		Sessions:  a.sessions,
		Escalator: a.escalator,
		Recent:    a.recent,
		Snapshots: a.snapshots,
		Engine:    a.engine,
		Logger:    a.logger,
		Version:   version,
	})
	api.Start(ctx, cfgManager, server, a.logger)

	go cfgManager.Watch(0, a.applyConfig, func(err error) {
		a.logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	a.logger.Info("examguard stopping")
	a.engine.Wait()
	shutdownCtx, cancel := shutdownTimeout()
	defer cancel()
	a.close(shutdownCtx)
	return nil
}

func runMigrateCmd(_ *cobra.Command, _ []string) error {
	cfgManager, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgManager.Get()
	if !strings.EqualFold(cfg.Storage.Driver, "postgres") {
		return errMigrateDriver
	}
	if err := storage.Migrate(cfg.Storage.DSN, migrateDirection); err != nil {
		return fmt.Errorf("migrate %s: %w", migrateDirection, err)
	}
	fmt.Printf("migrations applied (%s)\n", migrateDirection)
	return nil
}

func runCheckConfigCmd(cmd *cobra.Command, _ []string) error {
	cfgManager, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg := *cfgManager.Get()
	if cfg.Detection.Gemini.APIKey != "" {
		cfg.Detection.Gemini.APIKey = "***"
	}
	cfg.Storage.DSN = redactDSN(cfg.Storage.DSN)
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

var dsnPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// redactDSN hides the password of a URL or key=value connection string.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}***")
}

type replaySummary struct {
	Lines    int                 `json:"lines"`
	Frames   int                 `json:"frames"`
	Rejected int                 `json:"rejected"`
	Sessions []*sessionSummary   `json:"sessions"`
	Admitted []string            `json:"admitted,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

type sessionSummary struct {
	Session   *model.ExamSession `json:"session"`
	Incidents []model.Incident   `json:"incidents,omitempty"`
	Alerts    []model.Alert      `json:"alerts,omitempty"`
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	cfgManager, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfgManager)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := shutdownTimeout()
		defer cancel()
		a.close(shutdownCtx)
	}()

	summary := &replaySummary{Errors: map[string][]string{}}
	var mu sync.Mutex
	record := func(sessionID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		summary.Errors[sessionID] = append(summary.Errors[sessionID], err.Error())
	}

	raw := make(chan model.Frame, 256)
	frames := make(chan model.Frame, 256)
	a.engine.Start(ctx, frames)

	// Admit sessions in file order before their first frame reaches the engine.
	var admitErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(frames)
		seen := map[string]bool{}
		for f := range raw {
			if !seen[f.SessionID] {
				seen[f.SessionID] = true
				if replayAutoAdmit {
					created, err := admit(ctx, a.store, f.SessionID)
					if err != nil {
						record(f.SessionID, err)
						if admitErr == nil {
							admitErr = err
						}
					} else if created {
						summary.Admitted = append(summary.Admitted, f.SessionID)
					}
				}
			}
			if !ingest.Send(ctx, frames, f) {
				return
			}
		}
	}()

	stats, err := ingest.ReplayFile(ctx, args[0], raw, a.logger)
	close(raw)
	<-done
	a.engine.Wait()
	if err != nil {
		return fmt.Errorf("replay %s: %w", args[0], err)
	}
	summary.Lines, summary.Frames, summary.Rejected = stats.Lines, stats.Frames, stats.Rejected

	for _, id := range a.engine.Sessions() {
		if _, err := a.engine.Flush(ctx, id); err != nil {
			record(id, err)
		}
		s := &sessionSummary{}
		if s.Session, err = a.store.GetSession(ctx, id); err != nil {
			record(id, err)
			continue
		}
		if s.Incidents, err = a.store.ListIncidents(ctx, id, 0); err != nil {
			record(id, err)
		}
		if s.Alerts, err = a.store.ListAlerts(ctx, id, storage.AlertFilter{}); err != nil {
			record(id, err)
		}
		summary.Sessions = append(summary.Sessions, s)
	}
	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if admitErr != nil {
		logErrf("some sessions could not be admitted: %v\n", admitErr)
	}
	return nil
}

// admit makes sure a session exists and is streaming. It reports whether the
// session had to be created.
func admit(ctx context.Context, store storage.Store, id string) (bool, error) {
	sess, err := store.GetSession(ctx, id)
	if err == nil {
		if sess.Status != model.SessionInProgress {
			return false, fmt.Errorf("session %s is %s: %w", id, sess.Status, model.ErrInvalidTransition)
		}
		return false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}
	err = store.CreateSession(ctx, model.ExamSession{
		ID:        id,
		ExamID:    "replay",
		StudentID: id,
		Status:    model.SessionNotStarted,
	})
	if err != nil {
		return false, err
	}
	err = store.UpdateSessionStatus(ctx, storage.SessionTransition{
		ID:   id,
		From: model.SessionNotStarted,
		To:   model.SessionInProgress,
	})
	return err == nil, err
}
