package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tronagent/pkg/llm"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge      = 30 * 24 * time.Hour
	DefaultMaxMessages     = 500
	DefaultCleanupSchedule = "@daily"
)

// Cleanup deletes idle transcripts and trims long ones on a cron schedule
type Cleanup struct {
	manager     *SessionManager
	cleanupAge  time.Duration
	maxMessages int
	schedule    string

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
	running bool
}

// NewCleanup creates a cleanup handler. Zero values select the defaults.
func NewCleanup(manager *SessionManager, cleanupAge time.Duration, maxMessages int) *Cleanup {
	if cleanupAge <= 0 {
		cleanupAge = DefaultCleanupAge
	}
	if maxMessages == 0 {
		maxMessages = DefaultMaxMessages
	}

	return &Cleanup{
		manager:     manager,
		cleanupAge:  cleanupAge,
		maxMessages: maxMessages,
		schedule:    DefaultCleanupSchedule,
	}
}

// SetSchedule replaces the cron spec, e.g. "0 3 * * *" or "@every 6h".
// It takes effect on the next Start.
func (c *Cleanup) SetSchedule(spec string) error {
	if spec == "" {
		spec = DefaultCleanupSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	c.mu.Lock()
	c.schedule = spec
	c.mu.Unlock()
	return nil
}

// Start runs cleanup immediately and then on the schedule
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(c.schedule, c.runOnce); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}

	c.cron = scheduler
	c.running = true
	scheduler.Start()

	c.initial.Add(1)
	go func() {
		defer c.initial.Done()
		c.runOnce()
	}()

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Int("max_messages", c.maxMessages).
		Str("schedule", c.schedule).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the scheduler and waits for a running cleanup to finish
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	scheduler := c.cron
	c.cron = nil
	c.running = false
	c.mu.Unlock()

	<-scheduler.Stop().Done()
	c.initial.Wait()
	log.Info().Msg("Session cleanup stopped")

	return nil
}

// IsRunning returns whether the cleanup scheduler is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cleanup) runOnce() {
	if _, err := c.CleanupNow(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup sessions")
	}
}

// CleanupNow deletes transcripts idle for longer than the cleanup age and
// trims the rest. It returns the number of deleted sessions.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	sessions, err := c.manager.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, sessionKey := range sessions {
		info, err := c.manager.GetSessionInfo(ctx, sessionKey)
		if err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to get session info")
			continue
		}

		if age := now.Sub(info.LastModified); age >= c.cleanupAge {
			if err := c.manager.DeleteSession(ctx, sessionKey); err != nil {
				log.Error().Str("session_key", sessionKey).Err(err).Msg("Failed to delete session")
				continue
			}
			deleted++
			log.Debug().Str("session_key", sessionKey).Dur("age", age).Msg("Session deleted")
			continue
		}

		if err := c.pruneSession(ctx, sessionKey, info.MessageCount); err != nil {
			log.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to prune session")
		}
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Cleaned up old sessions")
	}

	return deleted, nil
}

func (c *Cleanup) pruneSession(ctx context.Context, sessionKey string, count int) error {
	if c.maxMessages <= 0 || count <= c.maxMessages {
		return nil
	}

	messages, err := c.manager.LoadMessages(ctx, sessionKey)
	if err != nil {
		return err
	}

	pruned := TrimHistory(messages, c.maxMessages)
	if len(pruned) == len(messages) {
		return nil
	}
	if err := c.manager.ReplaceMessages(ctx, sessionKey, pruned); err != nil {
		return err
	}

	log.Debug().
		Str("session_key", sessionKey).
		Int("from_messages", len(messages)).
		Int("to_messages", len(pruned)).
		Msg("Session pruned")

	return nil
}

// TrimHistory keeps at most max trailing messages, starting at a user message
// so that no tool result loses the assistant call it answers.
func TrimHistory(messages []llm.Message, max int) []llm.Message {
	if max <= 0 || len(messages) <= max {
		return messages
	}

	start := len(messages) - max
	for start < len(messages) && messages[start].Role != llm.RoleUser {
		start++
	}
	return messages[start:]
}
