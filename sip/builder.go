package sip

import (
	"fmt"
	"strings"
)

const userAgent = "SIPGateway/1.0"

// msgBuilder serializes requests and in-dialog replies into SIP wire text.
// It holds only immutable connection facts; dialog identifiers and CSeq are
// passed per call so the builder itself stays stateless.
type msgBuilder struct {
	server    string
	login     string
	number    string
	localIP   string
	localPort int
}

type reqOptions struct {
	callID      string
	fromTag     string
	toTag       string
	cseq        uint32
	auth        string // full Authorization header line, or ""
	contentType string
	body        string
	extra       []string // extra header lines placed before Content-Length
}

func sipURI(target string) string {
	if strings.HasPrefix(target, "sip:") {
		return target
	}
	return "sip:" + target
}

// request builds a generic out-of-dialog or in-dialog request. Every
// request carries Via with a fresh branch, Max-Forwards, From with tag, To,
// Call-ID, CSeq, Contact, User-Agent and an exact Content-Length.
func (b *msgBuilder) request(method, target string, o reqOptions) string {
	uri := sipURI(target)
	to := "To: <" + uri + ">"
	if o.toTag != "" {
		to += ";tag=" + o.toTag
	}
	lines := []string{
		method + " " + uri + " SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP %s:%d;branch=%s;rport", b.localIP, b.localPort, generateBranch()),
		"Max-Forwards: 70",
		fmt.Sprintf("From: <sip:%s@%s>;tag=%s", b.number, b.server, o.fromTag),
		to,
		"Call-ID: " + o.callID,
		fmt.Sprintf("CSeq: %d %s", o.cseq, method),
		fmt.Sprintf("Contact: <sip:%s@%s:%d;transport=udp>", b.login, b.localIP, b.localPort),
		"User-Agent: " + userAgent,
	}
	lines = append(lines, o.extra...)
	if o.auth != "" {
		lines = append(lines, o.auth)
	}
	return finish(lines, o.contentType, o.body)
}

// registerRequest builds REGISTER. Expires 0 unregisters.
func (b *msgBuilder) registerRequest(callID, fromTag string, cseq uint32, expires int, auth string) string {
	lines := []string{
		fmt.Sprintf("REGISTER sip:%s SIP/2.0", b.server),
		fmt.Sprintf("Via: SIP/2.0/UDP %s:%d;branch=%s;rport", b.localIP, b.localPort, generateBranch()),
		"Max-Forwards: 70",
		fmt.Sprintf("From: <sip:%s@%s>;tag=%s", b.number, b.server, fromTag),
		fmt.Sprintf("To: <sip:%s@%s>", b.number, b.server),
		"Call-ID: " + callID,
		fmt.Sprintf("CSeq: %d REGISTER", cseq),
		fmt.Sprintf("Contact: <sip:%s@%s:%d;transport=udp>;expires=%d", b.login, b.localIP, b.localPort, expires),
		"User-Agent: " + userAgent,
		fmt.Sprintf("Expires: %d", expires),
		"Supported: outbound, path",
	}
	if auth != "" {
		lines = append(lines, auth)
	}
	return finish(lines, "", "")
}

// ack confirms a 200 on INVITE. It reuses the dialog identifiers and the
// CSeq number of the INVITE it acknowledges.
func (b *msgBuilder) ack(dialed, callID, fromTag, toTag string, cseq uint32) string {
	uri := fmt.Sprintf("sip:%s@%s", dialed, b.server)
	to := "To: <" + uri + ">"
	if toTag != "" {
		to += ";tag=" + toTag
	}
	lines := []string{
		"ACK " + uri + " SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP %s:%d;branch=%s;rport", b.localIP, b.localPort, generateBranch()),
		"Max-Forwards: 70",
		fmt.Sprintf("From: <sip:%s@%s>;tag=%s", b.number, b.server, fromTag),
		to,
		"Call-ID: " + callID,
		fmt.Sprintf("CSeq: %d ACK", cseq),
		fmt.Sprintf("Contact: <sip:%s@%s:%d;transport=udp>", b.login, b.localIP, b.localPort),
		"User-Agent: " + userAgent,
	}
	return finish(lines, "", "")
}

// reply builds a response to a received request, echoing the peer's Via,
// From, To, Call-ID and CSeq verbatim. A To tag is added only when the
// request carried none: localTag when the reply belongs to a tracked
// dialog, a fresh one otherwise.
func (b *msgBuilder) reply(req *Message, status int, reason, localTag string, extra []string, contentType, body string) string {
	lines := []string{fmt.Sprintf("SIP/2.0 %d %s", status, reason)}
	for _, name := range []string{"Via", "From"} {
		if line := req.headerLine(name); line != "" {
			lines = append(lines, line)
		}
	}
	if to := req.headerLine("To"); to != "" {
		if req.ToTag() == "" {
			if localTag == "" {
				localTag = generateTag()
			}
			to += ";tag=" + localTag
		}
		lines = append(lines, to)
	}
	for _, name := range []string{"Call-ID", "CSeq"} {
		if line := req.headerLine(name); line != "" {
			lines = append(lines, line)
		}
	}
	lines = append(lines, extra...)
	return finish(lines, contentType, body)
}

// capabilityHeaders are the extra lines advertised on 200 replies to
// keepalive OPTIONS.
func (b *msgBuilder) capabilityHeaders() []string {
	return []string{
		fmt.Sprintf("Contact: <sip:%s@%s:%d;transport=udp>", b.login, b.localIP, b.localPort),
		"User-Agent: " + userAgent,
		"Allow: INVITE, ACK, CANCEL, OPTIONS, BYE, REFER, SUBSCRIBE, NOTIFY, MESSAGE, INFO",
		"Supported: replaces, timer, outbound, path, gruu",
		"Accept: application/sdp, application/dtmf-relay",
		"Accept-Encoding: identity",
		"Accept-Language: en, ru",
	}
}

// finish appends Content-Type/Content-Length and the body. Content-Length
// is the exact byte length of the body, 0 when there is none.
func finish(lines []string, contentType, body string) string {
	if body != "" {
		if contentType != "" {
			lines = append(lines, "Content-Type: "+contentType)
		}
		lines = append(lines,
			fmt.Sprintf("Content-Length: %d", len(body)),
			"",
			body,
		)
	} else {
		lines = append(lines, "Content-Length: 0", "", "")
	}
	return strings.Join(lines, "\r\n")
}
