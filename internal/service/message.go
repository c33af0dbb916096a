// Package service provides the messaging operations behind the HTTP and
// live channel surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/internal/router"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
	"github.com/accreditation-portal/messaging/pkg/tracing"
)

// ErrInvalidRequest wraps validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// RoleAdmin may read and post to every conversation.
const RoleAdmin = "admin"

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// Store is the durable conversation store.
type Store interface {
	Append(ctx context.Context, msg *model.PersistedMessage) error
	List(ctx context.Context, conversationID string, limit int) ([]model.PersistedMessage, error)
}

// Router performs the local live push.
type Router interface {
	Route(ctx context.Context, intent *model.MessageIntent) (router.Result, error)
}

// Relay forwards intents to other nodes.
type Relay interface {
	Publish(ctx context.Context, intent *model.MessageIntent) error
}

// Caller is the authenticated user performing an operation.
type Caller struct {
	UserID string
	Name   string
	Role   string
}

// Option configures a MessageService.
type Option func(*MessageService)

// WithRelay enables cross-node delivery.
func WithRelay(r Relay) Option {
	return func(s *MessageService) { s.relay = r }
}

// WithHistoryLimit sets the default page size for history fetches.
func WithHistoryLimit(n int) Option {
	return func(s *MessageService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MessageService) { s.now = now }
}

// MessageService handles message operations.
type MessageService struct {
	store        Store
	router       Router
	relay        Relay
	groups       router.GroupDirectory
	historyLimit int
	now          func() time.Time
	logger       *logger.Logger
}

// NewMessageService creates a new message service. A nil directory means
// every user belongs to every group.
func NewMessageService(store Store, rt Router, groups router.GroupDirectory, log *logger.Logger, opts ...Option) *MessageService {
	if groups == nil {
		groups = router.Everyone{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &MessageService{
		store:        store,
		router:       rt,
		groups:       groups,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		logger:       log.Component("messages"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists a message and pushes it live. The two are independent: a
// store failure is returned but the live push has already been attempted.
func (s *MessageService) Send(ctx context.Context, caller Caller, req *model.SendMessageRequest) (*model.PersistedMessage, error) {
	ctx, span := tracing.Start(ctx, "messages.Send")
	defer span.End()

	intent, err := s.intentFromRequest(caller, req)
	if err != nil {
		return nil, err
	}
	if err := s.authorizePost(intent); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("conversation_id", intent.ConversationID),
		attribute.String("client_id", intent.ClientID),
	)

	msg := &model.PersistedMessage{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SenderID:       caller.UserID,
		SenderName:     caller.Name,
		Message:        intent.Body,
		CreatedAt:      s.now().UTC(),
		ConversationID: intent.ConversationID,
		ClientID:       intent.ClientID,
	}

	storeErr := s.store.Append(ctx, msg)
	if storeErr != nil {
		s.logger.Error("failed to persist message",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("client_id", msg.ClientID),
			zap.Error(storeErr),
		)
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, "persist failed")
	}

	if err := s.deliver(ctx, intent); err != nil {
		s.logger.Warn("live delivery failed", zap.Error(err))
	}

	metrics.MessagesTotal.WithLabelValues(string(req.Type)).Inc()

	if storeErr != nil {
		return nil, fmt.Errorf("failed to persist message: %w", storeErr)
	}
	return msg, nil
}

// Dispatch routes an intent issued over the live channel. Nothing is
// persisted.
func (s *MessageService) Dispatch(ctx context.Context, intent *model.MessageIntent) error {
	ctx, span := tracing.Start(ctx, "messages.Dispatch")
	defer span.End()

	if err := intent.Validate(); err != nil {
		return err
	}
	if intent.Body == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	intent.ConversationID = conversationFor(intent)
	if err := s.authorizePost(intent); err != nil {
		return err
	}

	if intent.IsGroup() {
		metrics.MessagesTotal.WithLabelValues(string(model.RecipientGroup)).Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues(string(model.RecipientUser)).Inc()
	}
	return s.deliver(ctx, intent)
}

// RouteRemote routes an intent relayed from another node. It was authorized
// at its origin and is only pushed to local connections.
func (s *MessageService) RouteRemote(ctx context.Context, intent *model.MessageIntent) {
	if _, err := s.router.Route(ctx, intent); err != nil {
		s.logger.Warn("dropping relayed intent", zap.Error(err))
	}
}

func (s *MessageService) deliver(ctx context.Context, intent *model.MessageIntent) error {
	res, err := s.router.Route(ctx, intent)
	if err != nil {
		return err
	}

	s.logger.Debug("intent routed",
		zap.String("conversation_id", intent.ConversationID),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Bool("offline", res.Offline),
	)

	// A direct recipient delivered here cannot be on another node.
	if s.relay == nil || (!intent.IsGroup() && res.Delivered > 0) {
		return nil
	}
	if err := s.relay.Publish(ctx, intent); err != nil {
		s.logger.Warn("relay publish failed", zap.Error(err))
	}
	return nil
}

// History returns the most recent messages of a conversation the caller may read.
func (s *MessageService) History(ctx context.Context, caller Caller, conversationID string, limit int) ([]model.PersistedMessage, error) {
	ctx, span := tracing.Start(ctx, "messages.History")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	ref, err := model.ParseConversationID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.canRead(caller, ref) {
		return nil, model.ErrForbidden
	}

	if limit <= 0 {
		limit = s.historyLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.store.List(ctx, conversationID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

func (s *MessageService) canRead(caller Caller, ref model.ConversationRef) bool {
	if caller.Role == RoleAdmin {
		return true
	}
	if ref.Kind == model.ConversationDirect {
		return ref.Includes(caller.UserID)
	}
	return s.groups.IsMember(ref.Group, caller.UserID)
}

func (s *MessageService) authorizePost(intent *model.MessageIntent) error {
	if !intent.IsGroup() {
		if intent.RecipientID == intent.SenderID {
			return fmt.Errorf("%w: cannot message yourself", ErrInvalidRequest)
		}
		return nil
	}
	if intent.SenderRole == RoleAdmin || s.groups.IsMember(intent.GroupTag, intent.SenderID) {
		return nil
	}
	return model.ErrForbidden
}

func (s *MessageService) intentFromRequest(caller Caller, req *model.SendMessageRequest) (*model.MessageIntent, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.RecipientID == "" {
		return nil, fmt.Errorf("%w: recipient_id is required", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = model.RecipientUser
	}

	intent := &model.MessageIntent{
		SenderID:   caller.UserID,
		SenderName: caller.Name,
		SenderRole: caller.Role,
		Body:       req.Message,
		ClientID:   req.ClientID,
	}
	switch req.Type {
	case model.RecipientUser:
		intent.RecipientID = req.RecipientID
	case model.RecipientGroup:
		intent.GroupTag = req.RecipientID
	default:
		return nil, fmt.Errorf("%w: unknown recipient type %q", ErrInvalidRequest, req.Type)
	}
	if intent.ClientID == "" {
		intent.ClientID = uuid.NewString()
	}
	intent.ConversationID = conversationFor(intent)
	return intent, nil
}

// conversationFor derives the conversation id from the intent's target.
// Client-supplied ids are not trusted.
func conversationFor(intent *model.MessageIntent) string {
	if intent.IsGroup() {
		return model.GroupConversationID(intent.GroupTag)
	}
	return model.DirectConversationID(intent.SenderID, intent.RecipientID)
}
