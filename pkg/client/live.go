package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/accreditation-portal/messaging/internal/model"
)

// ErrLiveClosed is returned by writes after the live connection ended.
var ErrLiveClosed = errors.New("live connection closed")

// LiveConn is a client-side live channel.
type LiveConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	messages chan model.DeliveredMessage
	errs     chan model.ErrorEvent
	acks     chan model.RegisteredEvent

	done chan struct{}
	err  error
}

// Dial opens a live channel to wsURL (e.g. ws://host:8080/ws).
func Dial(ctx context.Context, wsURL, token string) (*LiveConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial live channel (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial live channel: %w", err)
	}

	c := &LiveConn{
		ws:       ws,
		messages: make(chan model.DeliveredMessage, 64),
		errs:     make(chan model.ErrorEvent, 8),
		acks:     make(chan model.RegisteredEvent, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages yields receive-message pushes. It is closed when the connection ends.
func (c *LiveConn) Messages() <-chan model.DeliveredMessage {
	return c.messages
}

// Errors yields error events sent by the server. Events are dropped when
// nobody reads them.
func (c *LiveConn) Errors() <-chan model.ErrorEvent {
	return c.errs
}

// Done is closed when the connection ends. Err then reports why.
func (c *LiveConn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *LiveConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Register announces userID and waits for the acknowledgement.
func (c *LiveConn) Register(ctx context.Context, userID string) (string, error) {
	if err := c.write(model.EventRegister, model.RegisterEvent{UserID: userID}); err != nil {
		return "", err
	}
	select {
	case ack := <-c.acks:
		return ack.ConnectionID, nil
	case ev := <-c.errs:
		return "", fmt.Errorf("register rejected: %s", ev.Message)
	case <-c.done:
		return "", ErrLiveClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendIntent issues a live-only message intent.
func (c *LiveConn) SendIntent(ev model.AdminMessageEvent) error {
	return c.write(model.EventAdminMessage, ev)
}

// Close ends the connection.
func (c *LiveConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *LiveConn) write(event model.EventType, data any) error {
	env, err := model.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrLiveClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

func (c *LiveConn) readLoop() {
	defer func() {
		close(c.messages)
		close(c.done)
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		switch env.Event {
		case model.EventReceiveMessage:
			var msg model.DeliveredMessage
			if json.Unmarshal(env.Data, &msg) == nil {
				c.messages <- msg
			}
		case model.EventRegistered:
			var ack model.RegisteredEvent
			if json.Unmarshal(env.Data, &ack) == nil {
				select {
				case c.acks <- ack:
				default:
				}
			}
		case model.EventError:
			var ev model.ErrorEvent
			if json.Unmarshal(env.Data, &ev) == nil {
				select {
				case c.errs <- ev:
				default:
				}
			}
		}
	}
}
