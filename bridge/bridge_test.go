package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0aen0/webrtc-sip-gateway/config"
	"github.com/0aen0/webrtc-sip-gateway/sip"
)

// fakeEngine records the commands the bridge issues.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	register chan sip.Config
	failWith error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{register: make(chan sip.Config, 1)}
}

func (f *fakeEngine) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.failWith
}

func (f *fakeEngine) Register(_ context.Context, cfg sip.Config) error {
	f.register <- cfg
	return f.failWith
}

func (f *fakeEngine) Disconnect() error              { return f.record("disconnect") }
func (f *fakeEngine) MakeCall(number string) error   { return f.record("call:" + number) }
func (f *fakeEngine) AnswerCall() error              { return f.record("answer") }
func (f *fakeEngine) HangupCall() error              { return f.record("hangup") }
func (f *fakeEngine) SendDTMF(digit string) error    { return f.record("dtmf:" + digit) }
func (f *fakeEngine) SendMessage(to, b string) error { return f.record("msg:" + to + ":" + b) }

func (f *fakeEngine) Status() sip.Status {
	return sip.Status{Registered: true, Number: "100", CallState: "IDLE"}
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, b *Bridge) *testClient {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msgType string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}))
}

func (c *testClient) next() wsMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wsMessage
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func (c *testClient) nextOfType(msgType string) wsMessage {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		msg := c.next()
		if msg.Type == msgType {
			return msg
		}
	}
	c.t.Fatalf("never received %s", msgType)
	return wsMessage{}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeEngine) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	engine := newFakeEngine()
	return New(engine, cfg, WithLogger(zerolog.Nop())), engine
}

func TestStatusPushedOnConnect(t *testing.T) {
	b, _ := newTestBridge(t)
	c := dial(t, b)
	msg := c.next()
	require.Equal(t, "status_update", msg.Type)

	var st sip.Status
	require.NoError(t, json.Unmarshal(msg.Payload, &st))
	require.True(t, st.Registered)
	require.Equal(t, "100", st.Number)
}

func TestPingPong(t *testing.T) {
	b, _ := newTestBridge(t)
	c := dial(t, b)
	c.next() // initial status
	c.send("ping", nil)
	require.Equal(t, "pong", c.next().Type)
}

func TestCallCommands(t *testing.T) {
	b, engine := newTestBridge(t)
	c := dial(t, b)
	c.next()

	c.send("sip_make_call", map[string]string{"number": "200"})
	c.send("sip_answer_call", nil)
	c.send("sip_hangup_call", nil)
	c.send("sip_send_dtmf", map[string]string{"digit": "5"})
	c.send("sip_send_message", map[string]string{"to": "300", "text": "hi"})
	c.send("ping", nil)
	require.Equal(t, "pong", c.next().Type)

	require.Equal(t, []string{"call:200", "answer", "hangup", "dtmf:5", "msg:300:hi"}, engine.recorded())
}

func TestCommandErrorsReported(t *testing.T) {
	b, engine := newTestBridge(t)
	engine.failWith = errors.New("no active call")
	c := dial(t, b)
	c.next()

	c.send("sip_hangup_call", nil)
	msg := c.nextOfType("error")
	require.Contains(t, string(msg.Payload), "no active call")
}

func TestMakeCallRequiresNumber(t *testing.T) {
	b, engine := newTestBridge(t)
	c := dial(t, b)
	c.next()
	c.send("sip_make_call", map[string]string{})
	c.nextOfType("error")
	require.Empty(t, engine.recorded())
}

func TestUnknownCommand(t *testing.T) {
	b, _ := newTestBridge(t)
	c := dial(t, b)
	c.next()
	c.send("bogus", nil)
	msg := c.nextOfType("error")
	require.Contains(t, string(msg.Payload), "bogus")
}

func TestRegisterFallsBackToConfig(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.NoError(t, cfg.Set("sip.server", "sip.example.com"))
	require.NoError(t, cfg.Set("sip.login", "login100"))
	require.NoError(t, cfg.Set("sip.password", "secret"))
	require.NoError(t, cfg.Set("sip.number", "100"))

	engine := newFakeEngine()
	b := New(engine, cfg, WithLogger(zerolog.Nop()))
	c := dial(t, b)
	c.next()

	// Payload overrides only the number; the rest comes from config.
	c.send("sip_register", map[string]any{"number": "222"})
	select {
	case got := <-engine.register:
		require.Equal(t, "sip.example.com", got.Server)
		require.Equal(t, "login100", got.Login)
		require.Equal(t, "secret", got.Password)
		require.Equal(t, "222", got.Number)
		require.Equal(t, 5060, got.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("register never called")
	}
}

func TestEventBroadcastsReachAllClients(t *testing.T) {
	b, _ := newTestBridge(t)
	c1 := dial(t, b)
	c2 := dial(t, b)
	c1.next()
	c2.next()

	b.OnIncomingCall("200")
	for _, c := range []*testClient{c1, c2} {
		msg := c.nextOfType("incoming_call")
		require.Contains(t, string(msg.Payload), "200")
	}

	b.OnCallEnded("remote hangup")
	for _, c := range []*testClient{c1, c2} {
		msg := c.nextOfType("call_ended")
		require.Contains(t, string(msg.Payload), "remote hangup")
		// Call events are followed by a status push.
		c.nextOfType("status_update")
	}
}

func TestRegisteredBroadcast(t *testing.T) {
	b, _ := newTestBridge(t)
	c := dial(t, b)
	c.next()
	b.OnRegistered()
	c.nextOfType("sip_registered")
	c.nextOfType("status_update")
}
