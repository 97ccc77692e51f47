// Package natsink delivers batches by publishing them to a NATS subject.
package natsink

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const (
	DefaultSubject      = "logs.batches"
	DefaultFlushTimeout = 5 * time.Second
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

type Config struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	// FlushTimeout bounds the wait for the server to acknowledge a batch when the
	// sync context carries no deadline of its own.
	FlushTimeout time.Duration
	Logger       *log.Logger
}

type Sender struct {
	conn         Publisher
	subject      string
	flushTimeout time.Duration
	logger       *log.Logger
	close        func()
}

type message struct {
	SentAt  time.Time          `json:"sent_at"`
	Count   int                `json:"count"`
	Entries []logging.LogEntry `json:"entries"`
}

// Connect dials the NATS server described by config.
func Connect(config Config) (*Sender, error) {
	if config.Name == "" {
		config.Name = "logshipper"
	}
	opts := []nats.Option{nats.Name(config.Name)}
	if config.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(config.MaxReconnects))
	}
	if config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(config.ReconnectWait))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", config.URL)
	}

	s := NewSender(conn, config.Subject, config.Logger)
	if config.FlushTimeout > 0 {
		s.flushTimeout = config.FlushTimeout
	}
	s.close = conn.Close
	return s, nil
}

func NewSender(conn Publisher, subject string, logger *log.Logger) *Sender {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sender{conn: conn, subject: subject, flushTimeout: DefaultFlushTimeout, logger: logger}
}

// Sync publishes the whole batch as one message. It satisfies logging.Sync.
func (s *Sender) Sync(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	data, err := encodeBatch(entries, time.Now())
	if err != nil {
		return nil, err
	}

	if err := s.conn.Publish(s.subject, data); err != nil {
		return nil, errors.Wrapf(err, "failed to publish to %s", s.subject)
	}
	// nats refuses to flush without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.flushTimeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to flush NATS connection")
	}

	s.logger.Printf("Published batch of %d entries to %s", len(entries), s.subject)
	return entries, nil
}

func (s *Sender) Close() {
	if s.close != nil {
		s.close()
	}
}

func encodeBatch(entries []logging.LogEntry, now time.Time) ([]byte, error) {
	data, err := json.Marshal(message{
		SentAt:  now,
		Count:   len(entries),
		Entries: entries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode batch")
	}
	return data, nil
}
