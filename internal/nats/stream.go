package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
)

const (
	// StreamName is the name of the message stream.
	StreamName = "PORTAL_MESSAGES"

	// SubjectPrefix is the prefix for all persisted message subjects.
	SubjectPrefix = "portal.msg"

	fetchBatch   = 256
	fetchMaxWait = 2 * time.Second
)

// StreamManager is the JetStream-backed conversation store.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &StreamManager{client: client, logger: log.Component("store")}
}

// EnsureStream ensures the message stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      2 * 365 * 24 * time.Hour,
		MaxBytes:    20 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Portal conversation messages",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.logger.Info("stream created", zap.String("stream", StreamName))
	return nil
}

// SubjectToken encodes a conversation id as a single subject token. User ids
// may contain dots, which NATS treats as token separators.
func SubjectToken(conversationID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(conversationID))
}

// ConversationSubject returns the subject messages of a conversation are stored on.
func ConversationSubject(conversationID string) string {
	return SubjectPrefix + "." + SubjectToken(conversationID)
}

// Append persists msg and sets its stream sequence. The correlation id, when
// present, is used as the JetStream message id so client retries are dropped
// by the server's duplicate window.
func (m *StreamManager) Append(ctx context.Context, msg *model.PersistedMessage) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("append", err, time.Since(start).Seconds()) }()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var opts []jetstream.PublishOpt
	if msg.ClientID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ConversationID+"/"+msg.ClientID))
	}

	ack, err := m.client.JetStream().Publish(ctx, ConversationSubject(msg.ConversationID), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if ack.Duplicate {
		m.logger.Debug("duplicate message ignored",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("client_id", msg.ClientID),
		)
	}
	msg.Sequence = ack.Sequence

	return nil
}

// List returns the most recent limit messages of a conversation, oldest first.
func (m *StreamManager) List(ctx context.Context, conversationID string, limit int) (messages []model.PersistedMessage, err error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOperation("list", err, time.Since(start).Seconds()) }()

	js := m.client.JetStream()
	subject := ConversationSubject(conversationID)

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	total := info.State.Subjects[subject]
	if total == 0 {
		return []model.PersistedMessage{}, nil
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	window := newTail(limit)
	var seen uint64
	for seen < total {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			seen++

			var pm model.PersistedMessage
			if err := json.Unmarshal(msg.Data(), &pm); err != nil {
				m.logger.Warn("skipping undecodable message",
					zap.String("subject", msg.Subject()),
					zap.Error(err),
				)
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				pm.Sequence = meta.Sequence.Stream
			}
			window.push(pm)
		}

		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return window.items(), nil
}

// tail keeps the last n items pushed.
type tail struct {
	buf  []model.PersistedMessage
	next int
	full bool
}

func newTail(n int) *tail {
	if n <= 0 {
		n = 1
	}
	return &tail{buf: make([]model.PersistedMessage, n)}
}

func (t *tail) push(m model.PersistedMessage) {
	t.buf[t.next] = m
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) items() []model.PersistedMessage {
	if !t.full {
		return append([]model.PersistedMessage(nil), t.buf[:t.next]...)
	}
	out := make([]model.PersistedMessage, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
