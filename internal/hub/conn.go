package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/accreditation-portal/messaging/internal/middleware"
	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
)

// Error codes sent in error events.
const (
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
	CodeDispatch     = "dispatch_failed"
)

// Conn is one live socket.
type Conn struct {
	id       string
	identity middleware.Identity
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	hub      *Hub
	logger   *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue never blocks: a slow reader loses the frame.
func (c *Conn) enqueue(env *model.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionNotFound
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) sendError(code, message string) {
	env, err := model.NewEnvelope(model.EventError, model.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := c.enqueue(env); err != nil {
		c.logger.Debug("dropped error event", zap.String("code", code), zap.Error(err))
	}
}

func (c *Conn) readPump(ctx context.Context) {
	pongWait := 2 * c.hub.cfg.PingInterval

	c.ws.SetReadLimit(c.hub.cfg.MaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("live connection read failed", zap.Error(err))
			}
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.sendError(CodeBadRequest, "malformed frame")
			continue
		}

		if !c.limiter.Allow() {
			c.sendError(CodeRateLimited, "too many events")
			continue
		}

		c.handle(ctx, &env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("live connection write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handle(ctx context.Context, env *model.Envelope) {
	switch env.Event {
	case model.EventRegister:
		c.handleRegister(env.Data)
	case model.EventAdminMessage:
		c.handleAdminMessage(ctx, env.Data)
	default:
		c.sendError(CodeUnknownEvent, "unknown event "+string(env.Event))
	}
}

func (c *Conn) handleRegister(data json.RawMessage) {
	var ev model.RegisterEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
		c.sendError(CodeBadRequest, "register requires userId")
		return
	}
	if ev.UserID != c.identity.UserID {
		c.logger.Warn("register for foreign user rejected", zap.String("claimed_user_id", ev.UserID))
		c.sendError(CodeForbidden, "userId does not match token")
		return
	}

	if prev := c.hub.registry.Register(ev.UserID, c.id); prev != "" {
		c.logger.Info("connection superseded", zap.String("previous_connection_id", prev))
	}

	env, err := model.NewEnvelope(model.EventRegistered, model.RegisteredEvent{
		UserID:       ev.UserID,
		ConnectionID: c.id,
	})
	if err == nil {
		_ = c.enqueue(env)
	}
}

func (c *Conn) handleAdminMessage(ctx context.Context, data json.RawMessage) {
	var ev model.AdminMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendError(CodeBadRequest, "malformed admin-message")
		return
	}
	if c.hub.dispatcher == nil {
		c.sendError(CodeDispatch, "messaging unavailable")
		return
	}

	intent := &model.MessageIntent{
		SenderID:       c.identity.UserID,
		SenderName:     c.identity.Name,
		SenderRole:     c.identity.Role,
		RecipientID:    ev.To,
		GroupTag:       ev.Group,
		Body:           ev.Message,
		ConversationID: ev.ConversationID,
		ClientID:       ev.ClientID,
	}

	if err := c.hub.dispatcher.Dispatch(ctx, intent); err != nil {
		if errors.Is(err, model.ErrForbidden) {
			c.sendError(CodeForbidden, err.Error())
			return
		}
		if errors.Is(err, model.ErrInvalidIntent) {
			c.sendError(CodeBadRequest, err.Error())
			return
		}
		c.logger.Warn("dispatch failed", zap.Error(err))
		c.sendError(CodeDispatch, err.Error())
	}
}
