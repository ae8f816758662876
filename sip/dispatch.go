package sip

import (
	"net"
	"strings"
	"time"
)

// Everything in this file runs on the dispatcher goroutine: commands arrive
// through do(), datagrams through the rx queue. No locking beyond the
// session's own is needed here.

func (e *Engine) makeCall(number string) error {
	if !e.sess.isRegistered() {
		return ErrNotRegistered
	}
	if e.sess.callBusy() {
		return ErrCallInProgress
	}
	callID, fromTag, cseq, ok := e.sess.startDialing(number)
	if !ok {
		return ErrCallInProgress
	}
	e.logger.Info().Str("number", number).Str("call_id", callID).Msg("making call")
	e.sendInvite(number, callID, fromTag, cseq)
	metricCallsStarted.Inc()
	e.armCallTimeout(callID)
	return nil
}

// armCallTimeout aborts the call if no final answer arrives in time. The
// closure re-checks the call identity on the dispatcher, so a call that
// completed or a new call that reused the slot is left alone.
func (e *Engine) armCallTimeout(callID string) {
	time.AfterFunc(callTimeout, func() {
		_ = e.do(func() error {
			e.abortStalledCall(callID)
			return nil
		})
	})
}

// abortStalledCall fires for calls stuck without any answer. A ringing call
// is left alone: the remote phone may legitimately ring longer.
func (e *Engine) abortStalledCall(callID string) {
	if e.sess.state() != StateDialing {
		return
	}
	_, current, _, _ := e.sess.dialogIDs()
	if current != callID {
		return
	}
	e.logger.Warn().Str("call_id", callID).Msg("no answer, aborting call")
	e.sess.resetCall()
	metricCallsFailed.Inc()
	e.notify(Event{Kind: EventCallFailed, Reason: "call timeout"})
}

func (e *Engine) answerCall() error {
	invite, addr, localTag := e.sess.incomingInvite()
	if invite == nil {
		return ErrNoIncomingCall
	}
	answer, err := sdpOffer(e.b.login, e.b.localIP)
	if err != nil {
		return err
	}
	if !e.sess.answerIncoming() {
		return ErrNoIncomingCall
	}
	extra := []string{e.b.capabilityHeaders()[0]} // Contact
	e.sendTo(e.b.reply(invite, 200, "OK", localTag, extra, "application/sdp", answer), addr)
	e.logger.Info().Str("call_id", invite.CallID()).Msg("answered incoming call")
	e.notify(Event{Kind: EventCallAnswered})
	return nil
}

func (e *Engine) hangupCall() error {
	st := e.sess.state()
	switch {
	case st == StateActive:
		dialed, callID, fromTag, toTag := e.sess.dialogIDs()
		cseq := e.sess.nextCSeq()
		target := dialed
		if target == "" {
			// Incoming call: BYE goes back to the registrar URI of the caller.
			target = e.Status().CallerNumber
		}
		e.send(e.b.request("BYE", target+"@"+e.b.server, reqOptions{
			callID:  callID,
			fromTag: fromTag,
			toTag:   toTag,
			cseq:    cseq,
		}))
		e.sess.resetCall()
		e.logger.Info().Str("call_id", callID).Msg("hung up call")
		e.notify(Event{Kind: EventCallEnded, Reason: "hangup"})
		return nil
	case st == StateDialing || st == StateRinging:
		// CANCEL carries the CSeq number of the INVITE it cancels.
		dialed, callID, fromTag, cseq := e.sess.failedDialog()
		e.send(e.b.request("CANCEL", dialed+"@"+e.b.server, reqOptions{
			callID:  callID,
			fromTag: fromTag,
			cseq:    cseq,
		}))
		e.sess.resetCall()
		e.logger.Info().Str("call_id", callID).Msg("cancelled outbound call")
		e.notify(Event{Kind: EventCallEnded, Reason: "cancelled"})
		return nil
	case e.sess.callBusy():
		// A pending incoming call we have not answered: decline it.
		if invite, addr, localTag := e.sess.incomingInvite(); invite != nil {
			e.sendTo(e.b.reply(invite, 486, "Busy Here", localTag, nil, "", ""), addr)
			e.sess.resetCall()
			e.notify(Event{Kind: EventCallEnded, Reason: "rejected"})
			return nil
		}
		e.sess.resetCall()
		e.notify(Event{Kind: EventCallEnded, Reason: "cancelled"})
		return nil
	default:
		return ErrNoActiveCall
	}
}

func (e *Engine) sendDTMF(digit string) error {
	if e.sess.state() != StateActive {
		return ErrNoActiveCall
	}
	if len(digit) != 1 || !strings.ContainsAny(digit, "0123456789*#ABCD") {
		return ErrInvalidDTMF
	}
	// No media path yet, so the digit cannot be carried as RFC 2833.
	e.logger.Info().Str("digit", digit).Msg("dtmf requested")
	return nil
}

func (e *Engine) sendMessageTo(to, body string) error {
	if !e.sess.isRegistered() {
		return ErrNotRegistered
	}
	uri := to + "@" + e.b.server
	e.send(e.b.request("MESSAGE", uri, reqOptions{
		callID:      generateCallID(e.b.localIP),
		fromTag:     generateTag(),
		cseq:        e.sess.nextCSeq(),
		auth:        e.authHeader("MESSAGE", uri),
		contentType: "text/plain",
		body:        body,
	}))
	e.logger.Info().Str("to", to).Msg("sent SIP MESSAGE")
	return nil
}

// sendRegister emits one REGISTER. withAuth attaches an Authorization header
// from the cached challenge; without one the request is sent bare and the
// registrar is expected to challenge it.
func (e *Engine) sendRegister(withAuth bool) {
	callID, fromTag := e.sess.registrationIDs()
	auth := ""
	if withAuth {
		auth = e.authHeader("REGISTER", "sip:"+e.b.server)
	}
	e.send(e.b.registerRequest(callID, fromTag, e.sess.nextCSeq(), defaultRegisterExpires, auth))
}

func (e *Engine) sendUnregister() {
	callID, fromTag := e.sess.registrationIDs()
	auth := e.authHeader("REGISTER", "sip:"+e.b.server)
	e.send(e.b.registerRequest(callID, fromTag, e.sess.nextCSeq(), 0, auth))
}

// sendOptions pings the registrar. It rides the registration Call-ID, which
// keeps the keepalive traffic attributable to this binding in server logs.
func (e *Engine) sendOptions() {
	callID, fromTag := e.sess.registrationIDs()
	e.send(e.b.request("OPTIONS", e.b.server, reqOptions{
		callID:  callID,
		fromTag: fromTag,
		cseq:    e.sess.nextCSeq(),
		auth:    e.authHeader("OPTIONS", "sip:"+e.b.server),
	}))
}

func (e *Engine) sendInvite(number, callID, fromTag string, cseq uint32) {
	offer, err := sdpOffer(e.b.login, e.b.localIP)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to build sdp offer")
		e.sess.resetCall()
		e.notify(Event{Kind: EventCallFailed, Reason: "sdp failure"})
		return
	}
	uri := number + "@" + e.b.server
	e.send(e.b.request("INVITE", uri, reqOptions{
		callID:      callID,
		fromTag:     fromTag,
		cseq:        cseq,
		auth:        e.authHeader("INVITE", uri),
		contentType: "application/sdp",
		body:        offer,
	}))
}

// resendInvite retries the in-flight INVITE after a challenge. The dialog
// keeps its Call-ID and From tag; only the CSeq advances.
func (e *Engine) resendInvite() {
	number, callID, fromTag, cseq := e.sess.retryDialog()
	e.sendInvite(number, callID, fromTag, cseq)
}

// handleMessage classifies one datagram and routes it. Unclassifiable
// datagrams are counted and dropped.
func (e *Engine) handleMessage(raw string, addr net.Addr) {
	e.sess.incReceived()
	metricMessagesReceived.Inc()
	m := ParseMessage(raw)
	e.logger.Debug().
		Str("dir", "in").
		Str("from", addr.String()).
		Str("msg", firstLine(raw)).
		Msg("received")
	switch {
	case m.IsResponse:
		e.handleResponse(m)
	case m.Method != "":
		e.handleRequest(m, addr)
	default:
		e.logger.Warn().Str("head", firstLine(raw)).Msg("dropping unclassifiable datagram")
	}
}

func (e *Engine) handleResponse(m *Message) {
	switch {
	case m.StatusCode == 401 || m.StatusCode == 407:
		e.handleChallenge(m)
	case m.StatusCode >= 200 && m.StatusCode < 300:
		e.sess.clearAuthRetry(m.CSeqMethod())
		e.handleOK(m)
	case m.StatusCode == 100:
		e.logger.Debug().Msg("trying")
	case m.StatusCode == 180:
		if e.sess.markRinging() {
			e.notify(Event{Kind: EventCallRinging})
		}
	case m.StatusCode == 183:
		// Early media progress. Same state move as 180, no notification.
		e.sess.markRinging()
	case m.StatusCode == 487:
		// Final answer to an INVITE we cancelled; already reported.
		e.sess.resetCall()
	case m.StatusCode == 486 || m.StatusCode == 603 || m.StatusCode == 403 ||
		m.StatusCode == 404 || m.StatusCode == 480:
		e.handleCallRejected(m)
	default:
		e.logger.Warn().
			Int("status", m.StatusCode).
			Str("method", m.CSeqMethod()).
			Msg("unhandled response")
	}
}

// handleChallenge reacts to a 401/407. One authenticated retry per method is
// allowed; a second challenge means the credentials were rejected, so the
// cached state is poisoned and cleared.
func (e *Engine) handleChallenge(m *Message) {
	method := m.CSeqMethod()
	if !e.sess.markAuthRetry(method) {
		e.logger.Error().Str("method", method).Msg("authentication rejected")
		e.clearChallenge()
		e.sess.clearAuthRetry(method)
		if method == "INVITE" {
			e.sess.resetCall()
			metricCallsFailed.Inc()
			e.notify(Event{Kind: EventCallFailed, Reason: "authentication failed"})
		}
		return
	}
	dc, err := m.Challenge()
	if err != nil {
		e.logger.Error().Err(err).Msg("unparseable auth challenge")
		return
	}
	e.setChallenge(challengeFromDigest(dc))
	switch method {
	case "REGISTER":
		e.sendRegister(true)
	case "INVITE":
		if e.sess.state() == StateDialing {
			e.resendInvite()
		}
	case "OPTIONS":
		e.sendOptions()
	default:
		// MESSAGE bodies are not retained, so the retry is on the caller.
		e.logger.Warn().Str("method", method).Msg("challenged request not retried")
	}
}

func (e *Engine) handleOK(m *Message) {
	switch m.CSeqMethod() {
	case "REGISTER":
		e.confirmRegistration(m)
	case "INVITE":
		e.establishCall(m)
	case "OPTIONS":
		e.sess.touchOptions()
	case "BYE", "MESSAGE":
		e.logger.Debug().Str("method", m.CSeqMethod()).Msg("acknowledged")
	}
}

func (e *Engine) confirmRegistration(m *Message) {
	expires, ok := m.Expires()
	if !ok {
		expires = defaultRegisterExpires
	}
	e.sess.markRegistered(expires, true)
	metricRegistrations.Inc()
	metricRegistered.Set(1)

	e.mu.Lock()
	done := e.regDone
	e.regDone = nil
	e.mu.Unlock()
	if done != nil {
		close(done)
		e.logger.Info().Int("expires", expires).Msg("registered on SIP server")
		e.notify(Event{Kind: EventRegistered})
		return
	}
	e.logger.Debug().Int("expires", expires).Msg("registration refreshed")
}

func (e *Engine) establishCall(m *Message) {
	dialed, callID, fromTag, ackCSeq, ok := e.sess.establishDialog(m.ToTag())
	if !ok {
		return
	}
	e.send(e.b.ack(dialed, callID, fromTag, m.ToTag(), ackCSeq))
	e.logger.Info().Str("call_id", callID).Msg("call answered")
	e.notify(Event{Kind: EventCallAnswered})
}

var rejectionReasons = map[int]string{
	486: "busy",
	603: "declined",
	403: "forbidden",
	404: "not found",
	480: "temporarily unavailable",
}

func (e *Engine) handleCallRejected(m *Message) {
	if m.CSeqMethod() != "INVITE" {
		e.logger.Warn().Int("status", m.StatusCode).Str("method", m.CSeqMethod()).Msg("request rejected")
		return
	}
	reason := rejectionReasons[m.StatusCode]
	e.logger.Info().Int("status", m.StatusCode).Str("reason", reason).Msg("call rejected")
	e.sess.resetCall()
	metricCallsFailed.Inc()
	e.notify(Event{Kind: EventCallFailed, Reason: reason})
}

func (e *Engine) handleRequest(m *Message, addr net.Addr) {
	switch m.Method {
	case "OPTIONS":
		e.sendTo(e.b.reply(m, 200, "OK", "", e.b.capabilityHeaders(), "", ""), addr)
		e.sess.touchOptions()
	case "INVITE":
		e.handleIncomingInvite(m, addr)
	case "ACK":
		e.logger.Debug().Str("call_id", m.CallID()).Msg("ack received")
	case "BYE":
		e.sendTo(e.b.reply(m, 200, "OK", "", nil, "", ""), addr)
		if e.sess.state() != StateIdle || e.sess.callBusy() {
			e.logger.Info().Str("call_id", m.CallID()).Msg("remote hung up")
			e.sess.resetCall()
			e.notify(Event{Kind: EventCallEnded, Reason: "remote hangup"})
		}
	case "CANCEL":
		e.sendTo(e.b.reply(m, 200, "OK", "", nil, "", ""), addr)
		if e.sess.callBusy() {
			e.logger.Info().Str("call_id", m.CallID()).Msg("caller cancelled")
			e.sess.resetCall()
			e.notify(Event{Kind: EventCallEnded, Reason: "cancelled"})
		}
	case "MESSAGE", "NOTIFY", "SUBSCRIBE":
		e.sendTo(e.b.reply(m, 200, "OK", "", nil, "", ""), addr)
	default:
		e.logger.Warn().Str("method", m.Method).Msg("unsupported request")
	}
}

func (e *Engine) handleIncomingInvite(m *Message, addr net.Addr) {
	if e.sess.callBusy() {
		e.sendTo(e.b.reply(m, 486, "Busy Here", "", nil, "", ""), addr)
		return
	}
	caller := m.FromUser()
	remote, err := parseRemoteSDP(m.Body)
	if err != nil {
		e.logger.Warn().Err(err).Msg("incoming invite carried unparseable sdp")
	}
	localTag := e.sess.setIncoming(caller, m.CallID(), m, addr, remote)
	e.sendTo(e.b.reply(m, 180, "Ringing", localTag, nil, "", ""), addr)
	e.logger.Info().Str("caller", caller).Str("call_id", m.CallID()).Msg("incoming call")
	e.notify(Event{Kind: EventIncomingCall, Caller: caller})
}
