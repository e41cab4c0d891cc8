// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wsbridge implements the WebSocket Bridge (C6): it upgrades an
// HTTP request to a WebSocket, maps the connection to a Kernel Session
// by sessionId, translates the client/server wire protocol, and
// enforces heartbeat and subscriber back-pressure policy.
package wsbridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nodebooks/kernel/internal/kernelsession"
	"github.com/nodebooks/kernel/internal/protocol"
)

// DefaultSubscriberHighWaterBytes is the default value of
// Config.SubscriberHighWaterBytes.
const DefaultSubscriberHighWaterBytes = 4 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionLookup resolves a sessionId to a Kernel Session, creating one on
// demand the first time it is seen (spec.md §4.5 KernelSession lifecycle).
type SessionLookup interface {
	GetOrCreate(sessionID string) (*kernelsession.Session, error)
}

// Config bounds a Bridge's heartbeat cadence and per-subscriber buffer.
type Config struct {
	// HeartbeatInterval is the server ping cadence. Zero disables
	// heartbeat (kernelWsHeartbeatMs unset), except that New replaces a
	// Config whose fields are all zero with DefaultConfig.
	HeartbeatInterval time.Duration

	// SubscriberHighWaterBytes is stored but not consulted when sending:
	// a subscriber's pending-send queue is bounded by message count (see
	// clientConn.Deliver), not by bytes.
	SubscriberHighWaterBytes int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        54 * time.Second,
		SubscriberHighWaterBytes: DefaultSubscriberHighWaterBytes,
	}
}

// Bridge serves the `/kernel/sessions/{sessionId}` upgrade endpoint.
type Bridge struct {
	sessions SessionLookup
	cfg      Config
}

// New creates a Bridge.
func New(sessions SessionLookup, cfg Config) *Bridge {
	if cfg.HeartbeatInterval == 0 && cfg.SubscriberHighWaterBytes == 0 {
		cfg = DefaultConfig()
	}
	if cfg.SubscriberHighWaterBytes == 0 {
		cfg.SubscriberHighWaterBytes = DefaultSubscriberHighWaterBytes
	}
	return &Bridge{sessions: sessions, cfg: cfg}
}

// Register wires the upgrade route onto r.
func (b *Bridge) Register(r *mux.Router) {
	r.HandleFunc("/kernel/sessions/{sessionId}", b.handleUpgrade)
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	sess, err := b.sessions.GetOrCreate(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := newClientConn(r.Context(), conn, sess, b.cfg)
	c.serve()
}

// clientMessage is the client→server discriminated union (spec.md §4.6).
type clientMessage struct {
	Type string `json:"type"`

	CellID    string          `json:"cellId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Language  string          `json:"language,omitempty"`
	HandlerID string          `json:"handlerId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// serverMessage is the server→client discriminated union (spec.md §4.6).
type serverMessage struct {
	Type string `json:"type"`

	CellID    string             `json:"cellId,omitempty"`
	Name      string             `json:"name,omitempty"` // stdout | stderr, for `stream`
	Text      string             `json:"text,omitempty"`
	Data      any                `json:"data,omitempty"`
	ID        string             `json:"id,omitempty"`
	Outputs   []protocol.Output  `json:"outputs,omitempty"`
	Execution *protocol.Execution `json:"execution,omitempty"`
	EName     string             `json:"ename,omitempty"`
	EValue    string             `json:"evalue,omitempty"`
	Traceback []string           `json:"traceback,omitempty"`
	State     string             `json:"state,omitempty"` // idle | busy
	Reason    string             `json:"reason,omitempty"`
}

const (
	msgExecuteRequest  = "execute_request"
	msgInterruptReq    = "interrupt_request"
	msgInvokeHandler   = "invoke_handler"
	msgPing            = "ping"
	msgStream          = "stream"
	msgDisplayData     = "display_data"
	msgUpdateDisplay   = "update_display_data"
	msgExecuteResult   = "execute_result"
	msgError           = "error"
	msgStatus          = "status"
	msgPong            = "pong"
	msgClosed          = "closed"
)

// clientConn binds one WebSocket connection to one Session as a
// kernelsession.Subscriber, enforcing a non-blocking send queue with a
// high-water drop policy.
type clientConn struct {
	ctx  context.Context
	ws   *websocket.Conn
	sess *kernelsession.Session
	cfg  Config

	writeMu sync.Mutex

	sendCh    chan []byte
	droppedMu sync.Mutex
	dropped   bool
}

func newClientConn(ctx context.Context, ws *websocket.Conn, sess *kernelsession.Session, cfg Config) *clientConn {
	return &clientConn{
		ctx:    ctx,
		ws:     ws,
		sess:   sess,
		cfg:    cfg,
		sendCh: make(chan []byte, 256),
	}
}

// Deliver implements kernelsession.Subscriber. It must never block the
// session's dispatch loop: messages are queued onto sendCh, which holds
// 256 messages, and a subscriber whose queue is full is dropped (closed
// with policy-violation) rather than stalling the session. The queued
// messages' byte size is not tracked.
func (c *clientConn) Deliver(ev kernelsession.Event) {
	msgs := translateEvent(ev)
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		c.droppedMu.Lock()
		if c.dropped {
			c.droppedMu.Unlock()
			return
		}
		c.droppedMu.Unlock()

		select {
		case c.sendCh <- payload:
		default:
			c.dropSubscriber()
			return
		}
	}
}

func (c *clientConn) dropSubscriber() {
	c.droppedMu.Lock()
	if c.dropped {
		c.droppedMu.Unlock()
		return
	}
	c.dropped = true
	c.droppedMu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send buffer exceeded high water mark"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func translateEvent(ev kernelsession.Event) []serverMessage {
	switch ev.Kind {
	case kernelsession.EventKindFrame:
		switch ev.Frame.Kind {
		case protocol.KindStdout:
			return []serverMessage{{Type: msgStream, CellID: ev.CellID, Name: "stdout", Text: string(ev.Frame.Payload)}}
		case protocol.KindStderr:
			return []serverMessage{{Type: msgStream, CellID: ev.CellID, Name: "stderr", Text: string(ev.Frame.Payload)}}
		case protocol.KindDisplay:
			// display frames carry the worker's compact tagged-value
			// encoding, not JSON; update_display_data would need a
			// display id the evaluator's DisplayFunc does not produce
			// today, so every display frame renders as a fresh display_data.
			value, _, err := protocol.DecodeDisplayValue(ev.Frame.Payload)
			if err != nil {
				return nil
			}
			return []serverMessage{{Type: msgDisplayData, CellID: ev.CellID, Data: value}}
		default:
			return nil
		}

	case kernelsession.EventKindTerminal:
		term := ev.Terminal
		switch term.Type {
		case protocol.EventResult:
			var exec *protocol.Execution
			if term.Execution != nil {
				exec = term.Execution
			}
			return []serverMessage{{Type: msgExecuteResult, CellID: ev.CellID, Outputs: term.Outputs, Execution: exec}}
		case protocol.EventError:
			if term.Error == nil {
				return []serverMessage{{Type: msgError, CellID: ev.CellID}}
			}
			return []serverMessage{{Type: msgError, CellID: ev.CellID, EName: term.Error.EName, EValue: term.Error.EValue, Traceback: term.Error.Traceback}}
		case protocol.EventPong:
			return []serverMessage{{Type: msgPong}}
		default:
			return nil
		}

	case kernelsession.EventKindStatus:
		return []serverMessage{{Type: msgStatus, State: string(ev.ExecState)}}

	case kernelsession.EventKindClosed:
		reason := ""
		if ev.Closed != nil {
			reason = *ev.Closed
		}
		return []serverMessage{{Type: msgClosed, Reason: reason}}

	default:
		return nil
	}
}

// serve runs the connection's full lifecycle: replay via Attach, read
// pump, write pump, and heartbeat, until the socket closes or the
// session closes it out from under the connection.
func (c *clientConn) serve() {
	unsubscribe, err := c.sess.Attach(c.ctx, c)
	if err != nil {
		log.Printf("wsbridge: attach session %s: %v", c.sess.ID, err)
		return
	}
	defer unsubscribe()

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		return nil
	})

	closed := make(chan struct{})
	go c.writePump(closed)
	go c.heartbeat(closed)

	c.readPump()
	close(closed)
}

func (c *clientConn) writePump(closed <-chan struct{}) {
	for {
		select {
		case payload := <-c.sendCh:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.ws.WriteMessage(websocket.TextMessage, payload)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (c *clientConn) heartbeat(closed <-chan struct{}) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (c *clientConn) readPump() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleClientMessage(msg)
	}
}

func (c *clientConn) handleClientMessage(msg clientMessage) {
	switch msg.Type {
	case msgExecuteRequest:
		lang := protocol.LanguageJS
		if msg.Language == string(protocol.LanguageTS) {
			lang = protocol.LanguageTS
		}
		if _, err := c.sess.Execute(msg.CellID, msg.Code, lang); err != nil {
			log.Printf("wsbridge: execute on session %s: %v", c.sess.ID, err)
		}
	case msgInterruptReq:
		c.sess.Interrupt(false)
	case msgInvokeHandler:
		if _, err := c.sess.InvokeHandler(msg.HandlerID, msg.Event, msg.Payload, msg.CellID); err != nil {
			log.Printf("wsbridge: invoke_handler on session %s: %v", c.sess.ID, err)
		}
	case msgPing:
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		payload, _ := json.Marshal(serverMessage{Type: msgPong})
		c.ws.WriteMessage(websocket.TextMessage, payload)
		c.writeMu.Unlock()
	}
}
