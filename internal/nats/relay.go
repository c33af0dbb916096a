package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
)

// RelaySubject carries routed intents between nodes. Core NATS only; relayed
// pushes are as best-effort as local ones.
const RelaySubject = "portal.live.route"

// relayedIntent is the wire form of a MessageIntent on the relay subject.
type relayedIntent struct {
	Origin         string `json:"origin"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	GroupTag       string `json:"group,omitempty"`
	Body           string `json:"message"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id,omitempty"`
}

func encodeIntent(origin string, i *model.MessageIntent) ([]byte, error) {
	return json.Marshal(relayedIntent{
		Origin:         origin,
		SenderID:       i.SenderID,
		SenderName:     i.SenderName,
		RecipientID:    i.RecipientID,
		GroupTag:       i.GroupTag,
		Body:           i.Body,
		ConversationID: i.ConversationID,
		ClientID:       i.ClientID,
	})
}

func decodeIntent(data []byte) (string, *model.MessageIntent, error) {
	var r relayedIntent
	if err := json.Unmarshal(data, &r); err != nil {
		return "", nil, err
	}
	return r.Origin, &model.MessageIntent{
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		RecipientID:    r.RecipientID,
		GroupTag:       r.GroupTag,
		Body:           r.Body,
		ConversationID: r.ConversationID,
		ClientID:       r.ClientID,
	}, nil
}

// IntentHandler routes an intent that arrived from another node.
type IntentHandler func(ctx context.Context, intent *model.MessageIntent)

// Relay fans routed intents out to the other nodes of the cluster so that
// recipients connected elsewhere still get their live push.
type Relay struct {
	conn   *nats.Conn
	nodeID string
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewRelay creates a relay for this node.
func NewRelay(client *Client, nodeID string, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{
		conn:   client.Conn(),
		nodeID: nodeID,
		logger: log.Component("relay").With(zap.String("node_id", nodeID)),
	}
}

// Publish announces intent to the other nodes.
func (r *Relay) Publish(_ context.Context, intent *model.MessageIntent) error {
	data, err := encodeIntent(r.nodeID, intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	if err := r.conn.Publish(RelaySubject, data); err != nil {
		return fmt.Errorf("failed to publish intent: %w", err)
	}
	metrics.RelayMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Subscribe delivers intents published by other nodes to handle. Intents
// from this node are dropped; they were already routed locally.
func (r *Relay) Subscribe(ctx context.Context, handle IntentHandler) error {
	sub, err := r.conn.Subscribe(RelaySubject, func(msg *nats.Msg) {
		origin, intent, err := decodeIntent(msg.Data)
		if err != nil {
			r.logger.Warn("dropping undecodable intent", zap.Error(err))
			return
		}
		if origin == r.nodeID {
			return
		}
		metrics.RelayMessagesTotal.WithLabelValues("in").Inc()
		handle(ctx, intent)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RelaySubject, err)
	}
	r.sub = sub
	return nil
}

// Close drains the subscription.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}
