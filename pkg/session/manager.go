package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/tronagent/internal/observability"
	"github.com/harun/tronagent/internal/tracing"
	"github.com/harun/tronagent/pkg/llm"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transcriptExt = ".jsonl"

// maxLineSize bounds one transcript line; tool results can be large
const maxLineSize = 4 * 1024 * 1024

// Entry is one line of a transcript file
type Entry struct {
	SessionKey string      `json:"session_key"`
	Timestamp  time.Time   `json:"timestamp"`
	Message    llm.Message `json:"message"`
}

// Info describes a stored transcript
type Info struct {
	SessionKey   string    `json:"session_key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	MessageCount int       `json:"message_count"`
}

// SessionManager persists conversation transcripts as JSONL files
type SessionManager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.Mutex
}

// New creates a new SessionManager rooted at sessionsDir
func New(sessionsDir string) (*SessionManager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".tronagent", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Debug().Str("dir", sessionsDir).Msg("Session manager initialized")

	return &SessionManager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the transcript directory
func (sm *SessionManager) Dir() string {
	return sm.sessionsDir
}

// ValidateKey checks that a session key is safe to use as a file name
func ValidateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (sm *SessionManager) sessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+transcriptExt)
}

func (sm *SessionManager) writeLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

// CreateSession creates an empty transcript; existing transcripts are left alone
func (sm *SessionManager) CreateSession(ctx context.Context, sessionKey string) error {
	ctx, span := sm.startSpan(ctx, "session.create", sessionKey)
	defer span.End()

	if err := ValidateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	created, err := sm.ensureFile(sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if created {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Info().Str("session_key", sessionKey).Msg("Session created")
		observability.RecordSessionAudit(ctx, "create", sessionKey, nil)
	}
	return nil
}

func (sm *SessionManager) ensureFile(sessionKey string) (bool, error) {
	path := sm.sessionPath(sessionKey)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return false, fmt.Errorf("failed to create session file: %w", err)
	}
	return true, file.Close()
}

// AppendMessages appends messages to a transcript, creating it if needed.
// The batch is written with a single sync.
func (sm *SessionManager) AppendMessages(ctx context.Context, sessionKey string, messages []llm.Message) error {
	ctx, span := sm.startSpan(ctx, "session.append", sessionKey)
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(messages)))

	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for i, msg := range messages {
		if msg.Role == "" {
			return fmt.Errorf("message %d: role cannot be empty", i)
		}
	}
	if len(messages) == 0 {
		return nil
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if _, err := sm.ensureFile(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	file, err := os.OpenFile(sm.sessionPath(sessionKey), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if err := writeEntries(file, sessionKey, messages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Messages appended")

	return nil
}

func writeEntries(file *os.File, sessionKey string, messages []llm.Message) error {
	w := bufio.NewWriter(file)
	now := time.Now()
	for _, msg := range messages {
		data, err := json.Marshal(Entry{SessionKey: sessionKey, Timestamp: now, Message: msg})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// LoadMessages returns the conversation stored for a session. A missing
// transcript yields an empty history. Unparseable lines are skipped.
func (sm *SessionManager) LoadMessages(ctx context.Context, sessionKey string) ([]llm.Message, error) {
	entries, err := sm.LoadEntries(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return messages, nil
}

// LoadEntries returns the raw transcript entries of a session
func (sm *SessionManager) LoadEntries(ctx context.Context, sessionKey string) ([]Entry, error) {
	ctx, span := sm.startSpan(ctx, "session.load", sessionKey)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := ValidateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(sm.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Msg("Session does not exist")
			return []Entry{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	span.SetAttributes(attribute.Int("messages", len(entries)))
	logger.Debug().Int("messages", len(entries)).Msg("Session loaded")

	return entries, nil
}

// ReplaceMessages atomically rewrites a transcript
func (sm *SessionManager) ReplaceMessages(ctx context.Context, sessionKey string, messages []llm.Message) error {
	if err := ValidateKey(sessionKey); err != nil {
		return err
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	path := sm.sessionPath(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := writeEntries(file, sessionKey, messages); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session rewritten")

	return nil
}

// DeleteSession removes a transcript. Deleting a missing session is not an error.
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionKey string) error {
	ctx, span := sm.startSpan(ctx, "session.delete", sessionKey)
	defer span.End()

	if err := ValidateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	err := os.Remove(sm.sessionPath(sessionKey))
	lock.Unlock()

	if err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	sm.locksMu.Lock()
	delete(sm.writeLocks, sessionKey)
	sm.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("session_key", sessionKey).Msg("Session deleted")
	observability.RecordSessionAudit(ctx, "delete", sessionKey, nil)

	return nil
}

// ListSessions lists stored session keys in lexical order
func (sm *SessionManager) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transcriptExt) {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(entry.Name(), transcriptExt))
	}
	sort.Strings(sessions)

	return sessions, nil
}

// GetSessionInfo returns metadata about a stored session
func (sm *SessionManager) GetSessionInfo(ctx context.Context, sessionKey string) (*Info, error) {
	if err := ValidateKey(sessionKey); err != nil {
		return nil, err
	}

	stat, err := os.Stat(sm.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s does not exist", sessionKey)
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := sm.LoadEntries(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	return &Info{
		SessionKey:   sessionKey,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		MessageCount: len(entries),
	}, nil
}

func (sm *SessionManager) startSpan(ctx context.Context, name, sessionKey string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	return tracing.StartSpan(ctx, "tronagent.session", name, attribute.String("session_key", sessionKey))
}
