package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRegisterExpires = 300

	cachedAuthTimeout = 10 * time.Second
	registerTimeout   = 30 * time.Second
	callTimeout       = 30 * time.Second

	keepaliveInterval  = 10 * time.Second
	reRegisterAfter    = 4 * time.Minute
	optionsQuietPeriod = 60 * time.Second
)

var (
	ErrInvalidConfig    = errors.New("sip server, login and number are required")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrNotRegistered    = errors.New("not registered")
	ErrRegisterTimeout  = errors.New("registration timed out")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrNoActiveCall     = errors.New("no active call")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrInvalidDTMF      = errors.New("invalid dtmf digit")
)

// Config holds the account the engine registers with. It is immutable for
// the lifetime of one registration; changing it requires Disconnect and a
// fresh Register.
type Config struct {
	Server   string
	Port     int
	Login    string
	Password string
	Number   string
}

func (c Config) valid() bool {
	return c.Server != "" && c.Login != "" && c.Number != ""
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

type packet struct {
	raw  string
	addr net.Addr
}

// Engine is the SIP user agent. One goroutine owns the socket for reads,
// one dispatcher goroutine owns all session mutation (commands and inbound
// messages serialize through it), and a keepalive goroutine drives
// re-registration and OPTIONS pings. Notifications leave through a bounded
// channel drained by a notifier goroutine.
type Engine struct {
	logger zerolog.Logger
	store  ChallengeStore

	listenAddr string

	mu       sync.Mutex
	handler  EventHandler
	conn     net.PacketConn
	raddr    net.Addr
	cfg      Config
	chal     *Challenge
	running  bool
	stopping bool
	regDone  chan struct{}

	b    *msgBuilder
	sess *session

	rx     chan packet
	cmds   chan func()
	events chan Event
	done   chan struct{}

	wg       sync.WaitGroup
	notifyWg sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithChallengeStore injects the persistence for digest challenges. The
// default keeps them in memory only.
func WithChallengeStore(s ChallengeStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithListenAddr sets the local UDP bind address, default ":0".
func WithListenAddr(addr string) Option {
	return func(e *Engine) { e.listenAddr = addr }
}

func NewEngine(options ...Option) *Engine {
	e := &Engine{
		logger:     log.Logger,
		store:      NewMemoryChallengeStore(),
		listenAddr: ":0",
		sess:       newSession(),
	}
	for _, o := range options {
		o(e)
	}
	ch, err := e.store.Load()
	switch {
	case err != nil:
		e.logger.Warn().Err(err).Msg("failed to load cached auth, continuing without")
	case ch.Complete():
		e.chal = ch
		e.logger.Info().Str("realm", ch.Realm).Msg("loaded cached auth challenge")
	}
	return e
}

// SetHandler attaches the bridge that receives engine notifications.
func (e *Engine) SetHandler(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Register opens the UDP socket, starts the engine loops and performs the
// registration handshake: cached-auth attempt first when a challenge is
// cached, then the regular challenge flow. It returns nil only after a
// confirmed 200 OK.
func (e *Engine) Register(ctx context.Context, cfg Config) error {
	if !cfg.valid() {
		return ErrInvalidConfig
	}
	raddr, err := net.ResolveUDPAddr("udp", cfg.addr())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.addr(), err)
	}
	conn, err := net.ListenPacket("udp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	localIP := localIPToward(raddr.IP)
	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	if err := e.start(ctx, conn, raddr, localIP, localPort, cfg); err != nil {
		return err
	}
	return nil
}

// start runs the handshake on an already-open transport. Split from
// Register so tests can drive the engine over an in-memory conn.
func (e *Engine) start(ctx context.Context, conn net.PacketConn, raddr net.Addr, localIP string, localPort int, cfg Config) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	e.conn = conn
	e.raddr = raddr
	e.cfg = cfg
	e.b = &msgBuilder{
		server:    cfg.Server,
		login:     cfg.Login,
		number:    cfg.Number,
		localIP:   localIP,
		localPort: localPort,
	}
	e.rx = make(chan packet, 64)
	e.cmds = make(chan func(), 16)
	e.events = make(chan Event, 16)
	e.done = make(chan struct{})
	e.running = true
	e.stopping = false
	e.mu.Unlock()

	e.sess.reset(localIP)

	e.wg.Add(3)
	go e.receiveLoop()
	go e.dispatchLoop()
	go e.keepaliveLoop()
	e.notifyWg.Add(1)
	go e.notifyLoop()

	e.logger.Info().
		Str("server", cfg.addr()).
		Str("number", cfg.Number).
		Msg("registering on SIP server")

	if e.cachedChallenge() != nil {
		done := e.newRegDone()
		_ = e.do(func() error { e.sendRegister(true); return nil })
		if e.waitRegistered(ctx, done, cachedAuthTimeout) {
			return nil
		}
		if ctx.Err() != nil {
			e.stop()
			return ctx.Err()
		}
		e.logger.Warn().Msg("cached auth did not work, falling back to challenge flow")
		e.clearChallenge()
	}

	done := e.newRegDone()
	_ = e.do(func() error { e.sendRegister(false); return nil })
	if e.waitRegistered(ctx, done, registerTimeout) {
		return nil
	}
	e.logger.Error().Msg("registration timed out")
	e.stop()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrRegisterTimeout
}

// newRegDone arms the one-shot completion signal the dispatcher closes on
// a 200 to REGISTER.
func (e *Engine) newRegDone() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regDone = make(chan struct{})
	return e.regDone
}

func (e *Engine) waitRegistered(ctx context.Context, done chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

// Disconnect hangs up any call, unregisters, stops the loops, closes the
// socket and clears the cached challenge. Only one caller wins; concurrent
// calls get ErrNotConnected.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if !e.running || e.stopping {
		e.mu.Unlock()
		return ErrNotConnected
	}
	e.stopping = true
	e.mu.Unlock()

	st := e.Status()
	if st.InCall || st.HasIncoming {
		_ = e.HangupCall()
	}
	if st.Registered {
		_ = e.do(func() error { e.sendUnregister(); return nil })
		e.notify(Event{Kind: EventUnregistered})
	}
	e.stop()
	e.sess.markRegistered(0, false)
	e.clearChallenge()
	metricRegistered.Set(0)
	final := e.Status()
	e.logger.Info().
		Uint64("sent", final.MessagesSent).
		Uint64("received", final.MessagesReceived).
		Msg("disconnected from SIP server")
	return nil
}

func (e *Engine) stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.done)
	conn := e.conn
	e.mu.Unlock()

	conn.Close()
	e.wg.Wait()
	e.notifyWg.Wait()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// do runs fn on the dispatcher goroutine and waits for its result. This is
// the single ownership boundary: every state-mutating command goes through
// here.
func (e *Engine) do(fn func() error) error {
	e.mu.Lock()
	running, cmds, done := e.running, e.cmds, e.done
	e.mu.Unlock()
	if !running {
		return ErrNotConnected
	}
	res := make(chan error, 1)
	select {
	case cmds <- func() { res <- fn() }:
	case <-done:
		return ErrNotConnected
	}
	select {
	case err := <-res:
		return err
	case <-done:
		return ErrNotConnected
	}
}

// MakeCall dials the given number. Requires a registration and no call in
// progress.
func (e *Engine) MakeCall(number string) error {
	return e.do(func() error { return e.makeCall(number) })
}

// AnswerCall accepts a pending incoming call.
func (e *Engine) AnswerCall() error {
	return e.do(func() error { return e.answerCall() })
}

// HangupCall ends the current call: BYE when active, 486 when only an
// incoming call is pending. State is always cleared.
func (e *Engine) HangupCall() error {
	return e.do(func() error { return e.hangupCall() })
}

// SendDTMF logs the digit. Payload generation is a stub: there is no media
// path to carry it.
func (e *Engine) SendDTMF(digit string) error {
	return e.do(func() error { return e.sendDTMF(digit) })
}

// SendMessage sends a SIP MESSAGE with cached auth when available.
func (e *Engine) SendMessage(to, body string) error {
	return e.do(func() error { return e.sendMessageTo(to, body) })
}

// Status returns a consistent snapshot of the engine state.
func (e *Engine) Status() Status {
	var st Status
	e.sess.snapshot(&st)
	e.mu.Lock()
	st.SIPServer = e.cfg.Server
	st.Number = e.cfg.Number
	st.HasCachedAuth = e.chal.Complete()
	e.mu.Unlock()
	return st
}

// Registered reports whether the engine holds an active registration.
func (e *Engine) Registered() bool {
	return e.sess.isRegistered()
}

func (e *Engine) cachedChallenge() *Challenge {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.chal.Complete() {
		return nil
	}
	return e.chal
}

func (e *Engine) setChallenge(ch *Challenge) {
	e.mu.Lock()
	e.chal = ch
	e.mu.Unlock()
	if err := e.store.Save(ch); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist auth challenge")
	}
}

func (e *Engine) clearChallenge() {
	e.mu.Lock()
	e.chal = nil
	e.mu.Unlock()
	if err := e.store.Clear(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to clear auth cache")
	}
}

// authHeader builds the Authorization line for a method/URI pair from the
// cached challenge, or "" when none is cached.
func (e *Engine) authHeader(method, uri string) string {
	ch := e.cachedChallenge()
	if ch == nil {
		return ""
	}
	e.mu.Lock()
	login, password := e.cfg.Login, e.cfg.Password
	e.mu.Unlock()
	h, err := authorizationHeader(login, password, method, sipURI(uri), ch)
	if err != nil {
		e.logger.Error().Err(err).Str("method", method).Msg("failed to build authorization header")
		return ""
	}
	return h
}

func (e *Engine) notify(ev Event) {
	e.mu.Lock()
	events, done := e.events, e.done
	e.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-done:
	}
}

// notifyLoop exits on done rather than on channel close, so notify can
// never hit a closed channel. Events queued before shutdown still get
// drained and delivered.
func (e *Engine) notifyLoop() {
	defer e.notifyWg.Done()
	for {
		select {
		case ev := <-e.events:
			e.dispatchEvent(ev)
		case <-e.done:
			for {
				select {
				case ev := <-e.events:
					e.dispatchEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) dispatchEvent(ev Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		return
	}
	switch ev.Kind {
	case EventRegistered:
		h.OnRegistered()
	case EventUnregistered:
		h.OnUnregistered()
	case EventIncomingCall:
		h.OnIncomingCall(ev.Caller)
	case EventCallRinging:
		h.OnCallRinging()
	case EventCallAnswered:
		h.OnCallAnswered()
	case EventCallEnded:
		h.OnCallEnded(ev.Reason)
	case EventCallFailed:
		h.OnCallFailed(ev.Reason)
	}
}

// receiveLoop is the only reader of the socket. Raw datagrams go to the
// dispatcher through the rx queue in arrival order.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if !e.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Error().Err(err).Msg("socket read failed")
			continue
		}
		select {
		case e.rx <- packet{raw: string(buf[:n]), addr: addr}:
		case <-e.done:
			return
		}
	}
}

// dispatchLoop is the single consumer of inbound messages and commands.
// All session mutation happens here.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.cmds:
			fn()
		case p := <-e.rx:
			e.handleMessage(p.raw, p.addr)
		}
	}
}

// keepaliveLoop re-registers before expiry and pings the server with
// OPTIONS when it has gone quiet. Failures are logged, never escalated.
func (e *Engine) keepaliveLoop() {
	defer e.wg.Done()
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-t.C:
		}
		_ = e.do(func() error {
			e.keepaliveTick()
			return nil
		})
	}
}

func (e *Engine) keepaliveTick() {
	if !e.sess.isRegistered() {
		return
	}
	lastRegister, lastOptions := e.sess.keepaliveDeadlines()
	now := time.Now()
	if now.Sub(lastRegister) > reRegisterAfter {
		e.logger.Info().Msg("periodic re-registration")
		e.sendRegister(true)
		e.sess.touchRegisterAttempt()
	}
	if now.Sub(lastOptions) > optionsQuietPeriod {
		e.sendOptions()
		e.sess.touchOptions()
	}
}

// send writes one message to the registrar address.
func (e *Engine) send(msg string) {
	e.sendTo(msg, e.raddr)
}

func (e *Engine) sendTo(msg string, addr net.Addr) {
	if _, err := e.conn.WriteTo([]byte(msg), addr); err != nil {
		e.logger.Error().Err(err).Msg("socket write failed")
		return
	}
	e.sess.incSent()
	metricMessagesSent.Inc()
	e.logger.Debug().
		Str("dir", "out").
		Str("to", addr.String()).
		Str("msg", firstLine(msg)).
		Msg("sent")
}

func firstLine(msg string) string {
	if i := strings.Index(msg, "\r\n"); i >= 0 {
		return msg[:i]
	}
	return msg
}

// localIPToward finds the local address the OS would use to reach the
// server. Falls back to loopback when the route lookup fails.
func localIPToward(server net.IP) string {
	c, err := net.Dial("udp", net.JoinHostPort(server.String(), "53"))
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String()
}
