package openmcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO is a transport speaking newline-delimited JSON-RPC over an
// io.Reader/io.Writer pair, conventionally stdin/stdout. It serves exactly
// one session, which lasts from start until the reader reaches EOF.
// Diagnostics never touch the writer; they go through the slog logger, which
// defaults to stderr.
//
// StdIO implements both ServerTransport and ClientTransport. Create instances
// with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
}

// NewStdIO creates a transport bound to the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return &StdIO{
		sess: &stdIOSession{
			id:     uuid.New().String(),
			reader: reader,
			writer: writer,
			logger: slog.Default(),
			done:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements ServerTransport by yielding the single persistent
// session and blocking until it ends.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements ServerTransport by waiting for the session loop to end.
func (s *StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements ClientTransport by handing out the single session.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

// Send writes one newline-terminated frame. Writes are serialized so
// concurrent senders cannot interleave partial frames on the stream.
func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return fmt.Errorf("session is closed")
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Messages yields one decoded frame per input line until EOF or Stop.
// Malformed lines are logged and skipped so a single bad frame cannot kill
// the session.
func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		// bufio.Reader instead of bufio.Scanner avoids max-token-size errors
		// on large frames.
		reader := bufio.NewReader(s.reader)
		for {
			type lineOrErr struct {
				line string
				err  error
			}
			lines := make(chan lineOrErr, 1)

			// Reading happens in a goroutine so Stop can interrupt a
			// blocked read.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineOrErr{err: err}
					return
				}
				lines <- lineOrErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var le lineOrErr
			select {
			case <-s.done:
				return
			case le = <-lines:
			}

			if le.err != nil {
				if !errors.Is(le.err, io.EOF) {
					s.logger.Error("failed to read message", "err", le.err)
				}
				return
			}
			if le.line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(le.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}
