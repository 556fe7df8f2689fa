package openmcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultLogThreshold applies to sessions that never called logging/setLevel.
const defaultLogThreshold = LogLevelInfo

// LoggingService tracks the per-session minimum severity set via
// logging/setLevel and fans structured log records out to every session whose
// threshold admits them as notifications/message.
type LoggingService struct {
	mu       sync.Mutex
	sessions map[string]sessionHandle
	levels   map[string]LogLevel

	sendTimeout time.Duration
	logger      *slog.Logger
}

func newLoggingService(sendTimeout time.Duration, logger *slog.Logger) *LoggingService {
	return &LoggingService{
		sessions:    make(map[string]sessionHandle),
		levels:      make(map[string]LogLevel),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

func (s *LoggingService) register(sess sessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID()] = sess
}

func (s *LoggingService) remove(sess sessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess.ID())
	delete(s.levels, sess.ID())
}

func (s *LoggingService) setLevel(sess sessionHandle, level LogLevel) error {
	if level.Severity() < 0 {
		return errInvalidParams("unknown log level: %s", level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
	s.levels[sess.ID()] = level
	return nil
}

func (s *LoggingService) threshold(sessID string) LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if level, ok := s.levels[sessID]; ok {
		return level
	}
	return defaultLogThreshold
}

// Emit sends a structured log record to every session whose threshold is at
// or below the record's severity. Sessions whose delivery fails are pruned.
func (s *LoggingService) Emit(level LogLevel, loggerName string, data any) {
	if level.Severity() < 0 {
		return
	}

	s.mu.Lock()
	snapshot := make([]sessionHandle, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	params := LogParams{Level: level, Logger: loggerName, Data: data}

	var stale []string
	for _, sess := range snapshot {
		if s.threshold(sess.ID()).Severity() > level.Severity() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err := sess.sendNotification(ctx, methodNotificationsMessage, params)
		cancel()
		if err != nil {
			s.logger.Warn("failed to deliver log message, pruning session",
				slog.String("sessionID", sess.ID()),
				slog.String("err", err.Error()))
			stale = append(stale, sess.ID())
		}
	}

	if len(stale) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range stale {
		delete(s.sessions, id)
		delete(s.levels, id)
	}
}
