// Package bridge exposes the SIP engine to browser clients over a
// WebSocket JSON protocol: typed command messages in, typed notification
// broadcasts out.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0aen0/webrtc-sip-gateway/config"
	"github.com/0aen0/webrtc-sip-gateway/sip"
)

// Engine is the command surface the bridge drives. *sip.Engine satisfies it.
type Engine interface {
	Register(ctx context.Context, cfg sip.Config) error
	Disconnect() error
	MakeCall(number string) error
	AnswerCall() error
	HangupCall() error
	SendDTMF(digit string) error
	SendMessage(to, body string) error
	Status() sip.Status
}

// envelope is the wire shape in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Bridge fans engine notifications out to every connected WebSocket client
// and maps inbound command messages onto engine calls. It implements
// sip.EventHandler.
type Bridge struct {
	log      zerolog.Logger
	engine   Engine
	cfg      *config.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client serializes writes: gorilla allows one concurrent writer per conn.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg outMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

type Option func(*Bridge)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func New(engine Engine, cfg *config.Store, options ...Option) *Bridge {
	b := &Bridge{
		log:    log.Logger,
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			// Browser clients connect from arbitrary origins on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// ServeHTTP upgrades the connection and runs the client read loop until the
// peer disconnects. Every new client immediately receives a status snapshot.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", n).Msg("websocket client connected")

	_ = c.send(outMessage{Type: "status_update", Payload: b.engine.Status()})

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		conn.Close()
		b.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket client disconnected")
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		b.handleCommand(c, env)
	}
}

func (b *Bridge) handleCommand(c *client, env envelope) {
	b.log.Debug().Str("type", env.Type).Msg("websocket command")
	switch env.Type {
	case "ping":
		_ = c.send(outMessage{Type: "pong"})
	case "get_status":
		_ = c.send(outMessage{Type: "status_update", Payload: b.engine.Status()})
	case "sip_register":
		b.startRegister(c, env.Payload)
	case "sip_unregister":
		b.run(c, b.engine.Disconnect)
	case "sip_make_call":
		var p struct {
			Number string `json:"number"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Number == "" {
			b.sendError(c, "number is required")
			return
		}
		b.run(c, func() error { return b.engine.MakeCall(p.Number) })
	case "sip_answer_call":
		b.run(c, b.engine.AnswerCall)
	case "sip_hangup_call":
		b.run(c, b.engine.HangupCall)
	case "sip_send_dtmf":
		var p struct {
			Digit string `json:"digit"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Digit == "" {
			b.sendError(c, "digit is required")
			return
		}
		b.run(c, func() error { return b.engine.SendDTMF(p.Digit) })
	case "sip_send_message":
		var p struct {
			To   string `json:"to"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.To == "" {
			b.sendError(c, "to is required")
			return
		}
		b.run(c, func() error { return b.engine.SendMessage(p.To, p.Text) })
	default:
		b.sendError(c, "unknown command: "+env.Type)
	}
}

// startRegister builds the account from the payload with config fallbacks
// and runs the blocking handshake off the read loop. Success arrives as the
// sip_registered broadcast; failure goes back to the requester only.
func (b *Bridge) startRegister(c *client, payload json.RawMessage) {
	var p struct {
		Server   string `json:"server"`
		Port     int    `json:"port"`
		Login    string `json:"login"`
		Password string `json:"password"`
		Number   string `json:"number"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			b.sendError(c, "malformed sip_register payload")
			return
		}
	}
	cfg := sip.Config{
		Server:   fallback(p.Server, b.cfg.GetString("sip.server")),
		Port:     p.Port,
		Login:    fallback(p.Login, b.cfg.GetString("sip.login")),
		Password: fallback(p.Password, b.cfg.GetString("sip.password")),
		Number:   fallback(p.Number, b.cfg.GetString("sip.number")),
	}
	if cfg.Port == 0 {
		cfg.Port = b.cfg.GetInt("sip.port")
	}
	go func() {
		if err := b.engine.Register(context.Background(), cfg); err != nil {
			b.log.Error().Err(err).Msg("registration failed")
			b.sendError(c, err.Error())
		}
	}()
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func (b *Bridge) run(c *client, fn func() error) {
	if err := fn(); err != nil {
		b.sendError(c, err.Error())
	}
}

func (b *Bridge) sendError(c *client, msg string) {
	_ = c.send(outMessage{Type: "error", Payload: map[string]string{"message": msg}})
}

// broadcast sends one message to every connected client. A failed write is
// left for the client's own read loop to clean up.
func (b *Bridge) broadcast(msg outMessage) {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			b.log.Warn().Err(err).Msg("websocket broadcast failed")
		}
	}
}

func (b *Bridge) broadcastStatus() {
	b.broadcast(outMessage{Type: "status_update", Payload: b.engine.Status()})
}

// sip.EventHandler implementation. Called from the engine's notifier
// goroutine.

func (b *Bridge) OnRegistered() {
	b.broadcast(outMessage{Type: "sip_registered"})
	b.broadcastStatus()
}

func (b *Bridge) OnUnregistered() {
	b.broadcast(outMessage{Type: "sip_unregistered"})
}

func (b *Bridge) OnIncomingCall(caller string) {
	b.broadcast(outMessage{Type: "incoming_call", Payload: map[string]string{"caller": caller}})
}

func (b *Bridge) OnCallRinging() {
	b.broadcast(outMessage{Type: "call_ringing"})
}

func (b *Bridge) OnCallAnswered() {
	b.broadcast(outMessage{Type: "call_answered"})
	b.broadcastStatus()
}

func (b *Bridge) OnCallEnded(reason string) {
	b.broadcast(outMessage{Type: "call_ended", Payload: map[string]string{"reason": reason}})
	b.broadcastStatus()
}

func (b *Bridge) OnCallFailed(reason string) {
	b.broadcast(outMessage{Type: "call_failed", Payload: map[string]string{"reason": reason}})
	b.broadcastStatus()
}
