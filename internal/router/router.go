// Package router decides who receives a live push for a message intent.
package router

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
	"github.com/accreditation-portal/messaging/pkg/tracing"
)

const (
	kindDirect = "direct"
	kindGroup  = "group"
)

// Registry is the read side of the presence registry.
type Registry interface {
	Lookup(userID string) (string, bool)
	Snapshot() []model.Connection
}

// Pusher delivers a payload to one live connection. Push must not block.
type Pusher interface {
	Push(connectionID string, msg *model.DeliveredMessage) error
}

// Result summarises a routing attempt.
type Result struct {
	Delivered int
	Failed    int
	// Offline is set when a direct recipient had no live connection.
	Offline bool
}

// Router pushes message intents to live connections.
type Router struct {
	registry Registry
	pusher   Pusher
	groups   GroupDirectory
	logger   *logger.Logger
}

// New creates a Router. A nil directory means Everyone.
func New(registry Registry, pusher Pusher, groups GroupDirectory, log *logger.Logger) *Router {
	if groups == nil {
		groups = Everyone{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		registry: registry,
		pusher:   pusher,
		groups:   groups,
		logger:   log.Component("router"),
	}
}

// Groups returns the directory consulted for group routing.
func (r *Router) Groups() GroupDirectory {
	return r.groups
}

// Route attempts the live push for intent. Offline recipients and failed
// pushes are not errors; the conversation store remains authoritative.
func (r *Router) Route(ctx context.Context, intent *model.MessageIntent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}

	_, span := tracing.Start(ctx, "router.Route")
	defer span.End()

	var res Result
	if intent.IsGroup() {
		res = r.routeGroup(intent)
	} else {
		res = r.routeDirect(intent)
	}

	span.SetAttributes(
		attribute.String("conversation_id", intent.ConversationID),
		attribute.Int("delivered", res.Delivered),
		attribute.Int("failed", res.Failed),
	)
	return res, nil
}

func (r *Router) routeDirect(intent *model.MessageIntent) Result {
	connID, ok := r.registry.Lookup(intent.RecipientID)
	if !ok {
		metrics.RecordPush(kindDirect, metrics.OutcomeOffline)
		r.logger.Debug("recipient offline",
			zap.String("recipient_id", intent.RecipientID),
			zap.String("conversation_id", intent.ConversationID),
		)
		return Result{Offline: true}
	}

	if r.push(kindDirect, connID, intent.RecipientID, intent.Delivered()) {
		return Result{Delivered: 1}
	}
	return Result{Failed: 1}
}

func (r *Router) routeGroup(intent *model.MessageIntent) Result {
	var res Result
	msg := intent.Delivered()

	for _, conn := range r.registry.Snapshot() {
		if conn.UserID == intent.SenderID {
			continue
		}
		if !r.groups.IsMember(intent.GroupTag, conn.UserID) {
			continue
		}
		if r.push(kindGroup, conn.ConnectionID, conn.UserID, msg) {
			res.Delivered++
		} else {
			res.Failed++
		}
	}

	r.logger.Debug("group message routed",
		zap.String("group", intent.GroupTag),
		zap.String("sender_id", intent.SenderID),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (r *Router) push(kind, connID, userID string, msg *model.DeliveredMessage) bool {
	if err := r.pusher.Push(connID, msg); err != nil {
		metrics.RecordPush(kind, metrics.OutcomeFailed)
		r.logger.Warn("live push failed",
			zap.String("user_id", userID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		return false
	}
	metrics.RecordPush(kind, metrics.OutcomeDelivered)
	return true
}
