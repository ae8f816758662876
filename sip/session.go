package sip

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
)

// Call leg states. Registration state is orthogonal.
const (
	StateIdle      = "IDLE"
	StateDialing   = "DIALING"
	StateRinging   = "RINGING"
	StateActive    = "ACTIVE"
	StateHangingUp = "HANGING_UP"
)

const (
	eventDial   = "dial"
	eventRing   = "ring"
	eventAnswer = "answer"
	eventHangup = "hangup"
	eventReset  = "reset"
)

func newCallFSM() *fsm.FSM {
	all := []string{StateIdle, StateDialing, StateRinging, StateActive, StateHangingUp}
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventDial, Src: []string{StateIdle}, Dst: StateDialing},
			{Name: eventRing, Src: []string{StateDialing}, Dst: StateRinging},
			{Name: eventAnswer, Src: []string{StateIdle, StateDialing, StateRinging}, Dst: StateActive},
			{Name: eventHangup, Src: []string{StateActive}, Dst: StateHangingUp},
			{Name: eventReset, Src: all, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// Status is the consistent read-only snapshot returned by Engine.Status.
type Status struct {
	Registered          bool   `json:"registered"`
	RegisterExpires     int    `json:"register_expires"`
	InCall              bool   `json:"in_call"`
	HasIncoming         bool   `json:"has_incoming"`
	CallerNumber        string `json:"caller_number"`
	DialedNumber        string `json:"dialed_number"`
	CallID              string `json:"call_id"`
	CallState           string `json:"call_state"`
	SIPServer           string `json:"sip_server"`
	Number              string `json:"number"`
	MessagesSent        uint64 `json:"messages_sent"`
	MessagesReceived    uint64 `json:"messages_received"`
	LastOptionsResponse int64  `json:"last_options_response"`
	HasCachedAuth       bool   `json:"has_cached_auth"`
}

// session is the mutable per-registration record. All mutation happens on
// the dispatcher goroutine. The mutex is held across every state change,
// including the FSM transition, so Status snapshots are never torn: the
// call state and the fields that mirror it always come from the same
// instant.
type session struct {
	mu   sync.Mutex
	call *fsm.FSM

	localIP string

	registered      bool
	registerExpires int
	lastRegisterAt  time.Time

	activeCall   bool
	incomingCall bool
	callerNumber string
	dialedNumber string

	// Registration-level identifiers.
	callID  string
	fromTag string

	// Dialog identifiers of the current call.
	currentCallID string
	callFromTag   string
	toTag         string
	inviteCSeq    uint32

	cseq uint32

	messagesSent     uint64
	messagesReceived uint64
	lastOptionsAt    time.Time

	// One retry per method since the last success; a repeated challenge
	// means the credentials were rejected.
	authRetried map[string]bool

	invite     *Message // pending incoming INVITE, kept for the reply
	inviteAddr net.Addr
	remoteSDP  *sdp.SessionDescription
}

func newSession() *session {
	return &session{
		call:            newCallFSM(),
		registerExpires: defaultRegisterExpires,
		authRetried:     map[string]bool{},
	}
}

// transitionLocked fires an FSM event. Callers hold s.mu; lock order is
// always session mutex first, FSM second.
func (s *session) transitionLocked(name string) bool {
	return s.call.Event(context.Background(), name) == nil
}

// reset prepares the session for a fresh registration cycle.
func (s *session) reset(localIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localIP = localIP
	s.registered = false
	s.registerExpires = defaultRegisterExpires
	s.callID = generateCallID(localIP)
	s.fromTag = generateTag()
	s.cseq = 0
	s.messagesSent = 0
	s.messagesReceived = 0
	s.lastRegisterAt = time.Time{}
	s.lastOptionsAt = time.Time{}
	s.authRetried = map[string]bool{}
	s.resetCallLocked()
}

func (s *session) state() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.Current()
}

// nextCSeq increments the counter exactly once per physically transmitted
// new request. ACK is the exception: it reuses the CSeq of its INVITE.
func (s *session) nextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

func (s *session) registrationIDs() (callID, fromTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID, s.fromTag
}

func (s *session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *session) markRegistered(expires int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = ok
	if ok {
		if expires > 0 {
			s.registerExpires = expires
		}
		s.lastRegisterAt = time.Now()
	}
}

func (s *session) touchRegisterAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRegisterAt = time.Now()
}

func (s *session) keepaliveDeadlines() (lastRegister, lastOptions time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRegisterAt, s.lastOptionsAt
}

func (s *session) touchOptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOptionsAt = time.Now()
}

func (s *session) incSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesSent++
}

func (s *session) incReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesReceived++
}

func (s *session) callBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCall || s.incomingCall
}

// startDialing initializes a fresh dialog for an outbound call and reserves
// the CSeq of its INVITE.
func (s *session) startDialing(number string) (callID, fromTag string, cseq uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transitionLocked(eventDial) {
		return "", "", 0, false
	}
	s.dialedNumber = number
	s.currentCallID = generateCallID(s.localIP)
	s.callFromTag = generateTag()
	s.toTag = ""
	s.cseq++
	s.inviteCSeq = s.cseq
	return s.currentCallID, s.callFromTag, s.cseq, true
}

func (s *session) markRinging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call.Current() != StateDialing {
		return false
	}
	return s.transitionLocked(eventRing)
}

// retryDialog returns the dialog identifiers of the in-flight INVITE with a
// freshly incremented CSeq for the authenticated retry.
func (s *session) retryDialog() (number, callID, fromTag string, cseq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	s.inviteCSeq = s.cseq
	return s.dialedNumber, s.currentCallID, s.callFromTag, s.cseq
}

// establishDialog records the To tag from the 200 and flips the call
// active. ackCSeq is the CSeq the ACK must carry.
func (s *session) establishDialog(toTag string) (dialed, callID, fromTag string, ackCSeq uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.call.Current(); cur != StateDialing && cur != StateRinging {
		// A stray or retransmitted 200 must not conjure up a call.
		return "", "", "", 0, false
	}
	if !s.transitionLocked(eventAnswer) {
		return "", "", "", 0, false
	}
	if toTag != "" {
		s.toTag = toTag
	}
	s.activeCall = true
	s.incomingCall = false
	return s.dialedNumber, s.currentCallID, s.callFromTag, s.inviteCSeq, true
}

// dialogIDs returns the identifiers needed for an in-dialog BYE.
func (s *session) dialogIDs() (dialed, callID, fromTag, toTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialedNumber, s.currentCallID, s.callFromTag, s.toTag
}

// setIncoming records a pending inbound dialog. The local tag minted here
// goes on every reply to the INVITE; the caller's From tag becomes the
// remote tag, so an in-dialog BYE carries both. Returns the local tag.
func (s *session) setIncoming(caller, callID string, invite *Message, addr net.Addr, remote *sdp.SessionDescription) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomingCall = true
	s.callerNumber = caller
	s.currentCallID = callID
	s.callFromTag = generateTag()
	s.toTag = invite.FromTag()
	s.invite = invite
	s.inviteAddr = addr
	s.remoteSDP = remote
	return s.callFromTag
}

func (s *session) incomingInvite() (*Message, net.Addr, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invite, s.inviteAddr, s.callFromTag
}

func (s *session) answerIncoming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.incomingCall || !s.transitionLocked(eventAnswer) {
		return false
	}
	s.incomingCall = false
	s.activeCall = true
	return true
}

// resetCall clears all call state and returns to IDLE.
func (s *session) resetCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCallLocked()
}

func (s *session) resetCallLocked() {
	s.transitionLocked(eventReset)
	s.activeCall = false
	s.incomingCall = false
	s.callerNumber = ""
	s.dialedNumber = ""
	s.currentCallID = ""
	s.callFromTag = ""
	s.toTag = ""
	s.inviteCSeq = 0
	s.invite = nil
	s.inviteAddr = nil
	s.remoteSDP = nil
}

// failedDialog returns the dialog identifiers and INVITE CSeq of the
// in-flight call, used to CANCEL it.
func (s *session) failedDialog() (dialed, callID, fromTag string, cseq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialedNumber, s.currentCallID, s.callFromTag, s.inviteCSeq
}

func (s *session) markAuthRetry(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authRetried[method] {
		return false
	}
	s.authRetried[method] = true
	return true
}

func (s *session) clearAuthRetry(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authRetried, method)
}

// snapshot fills the session-owned part of a Status under one lock hold so
// concurrent readers never observe a torn state.
func (s *session) snapshot(st *Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Registered = s.registered
	st.RegisterExpires = s.registerExpires
	st.InCall = s.activeCall
	st.HasIncoming = s.incomingCall
	st.CallerNumber = s.callerNumber
	st.DialedNumber = s.dialedNumber
	st.CallID = s.currentCallID
	st.CallState = s.call.Current()
	st.MessagesSent = s.messagesSent
	st.MessagesReceived = s.messagesReceived
	if !s.lastOptionsAt.IsZero() {
		st.LastOptionsResponse = s.lastOptionsAt.Unix()
	}
}
