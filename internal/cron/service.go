// Package cron re-runs the pipeline on a schedule, one run at a time.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrBusy = errors.New("a scheduled run is still in progress")

// State is persisted after every run.
type State struct {
	Spec       string    `json:"spec"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
}

type Service struct {
	spec      string
	statePath string
	run       func(ctx context.Context) error
	log       zerolog.Logger

	mu     sync.Mutex
	state  State
	runMu  sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
	stopCh chan struct{}
}

// NewService schedules run on a six-field (seconds first) cron spec. State is
// saved to statePath when it is non-empty.
func NewService(spec, statePath string, run func(ctx context.Context) error, logger zerolog.Logger) *Service {
	return &Service{
		spec:      spec,
		statePath: statePath,
		run:       run,
		log:       logger.With().Str("component", "cron").Logger(),
		state:     State{Spec: spec},
	}
}

// ParseSpec validates a schedule without starting anything.
func ParseSpec(spec string) error {
	_, err := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor).Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		s.log.Warn().Err(err).Msg("failed to load schedule state")
	}

	cl := cronLogger{log: s.log}
	c := rcron.New(
		rcron.WithSeconds(),
		rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.spec, func() { s.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register schedule %q: %w", s.spec, err)
	}

	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cron = c
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	c.Start()
	s.log.Info().Str("spec", s.spec).Msg("schedule started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) tick(ctx context.Context) {
	if err := s.RunNow(ctx); errors.Is(err, ErrBusy) {
		s.log.Warn().Msg("previous run still in progress, skipping")
	}
}

// RunNow executes one run synchronously, or returns ErrBusy if one is active.
func (s *Service) RunNow(ctx context.Context) error {
	if !s.runMu.TryLock() {
		s.mu.Lock()
		s.state.Skipped++
		s.mu.Unlock()
		return ErrBusy
	}
	defer s.runMu.Unlock()

	s.log.Info().Msg("scheduled run starting")
	started := time.Now()
	err := s.run(ctx)

	s.mu.Lock()
	s.state.LastRunAt = started
	s.state.Runs++
	if err != nil {
		s.state.LastStatus = "error"
		s.state.LastError = err.Error()
		s.log.Error().Err(err).Dur("took", time.Since(started)).Msg("scheduled run failed")
	} else {
		s.state.LastStatus = "ok"
		s.state.LastError = ""
		s.log.Info().Dur("took", time.Since(started)).Msg("scheduled run finished")
	}
	saveErr := s.save()
	s.mu.Unlock()
	if saveErr != nil {
		s.log.Warn().Err(saveErr).Msg("failed to save schedule state")
	}
	return err
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running job")
		}
	}
	s.log.Info().Msg("schedule stopped")
}

func (s *Service) load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	st.Spec = s.spec
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// save expects s.mu to be held.
func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}

// cronLogger adapts zerolog to the cron library's logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
