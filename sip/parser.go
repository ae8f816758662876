package sip

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// Message is a parsed SIP datagram. Parsing is a linear prefix scan over
// header lines, tolerant of anything malformed: missing headers come back
// empty, a garbage start line yields a message that classifies as neither a
// known request nor a response and gets dropped by the dispatcher.
//
// Header names are matched case-sensitively as transmitted. Real SIP allows
// arbitrary case and compact forms; every registrar this gateway has been
// pointed at uses the canonical spelling.
type Message struct {
	Raw   string
	Body  string
	lines []string

	IsResponse bool
	StatusCode int
	Reason     string

	Method     string
	RequestURI string
}

var (
	reTag      = regexp.MustCompile(`;tag=([^\s;]+)`)
	reFromUser = regexp.MustCompile(`<sip:([^@>]+)@`)
	reCSeq     = regexp.MustCompile(`^(\d+)\s+(\S+)`)
)

// ParseMessage splits a raw datagram into start line, headers and body and
// classifies it. It never fails; callers check IsResponse/Method.
func ParseMessage(raw string) *Message {
	m := &Message{Raw: raw}
	head := raw
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		head = raw[:i]
		m.Body = raw[i+4:]
	}
	m.lines = strings.Split(head, "\r\n")
	first := m.lines[0]

	if strings.HasPrefix(first, "SIP/2.0") {
		m.IsResponse = true
		parts := strings.SplitN(first, " ", 3)
		if len(parts) >= 2 {
			m.StatusCode, _ = strconv.Atoi(parts[1])
		}
		if len(parts) == 3 {
			m.Reason = parts[2]
		}
		return m
	}

	fields := strings.Fields(first)
	if len(fields) >= 1 {
		m.Method = fields[0]
	}
	if len(fields) >= 2 {
		m.RequestURI = fields[1]
	}
	return m
}

// Header returns the value of the first header line starting with the given
// name, or "" when absent.
func (m *Message) Header(name string) string {
	line := m.headerLine(name)
	if line == "" {
		return ""
	}
	return strings.TrimSpace(line[len(name)+1:])
}

// headerLine returns the full raw line including the header name, used by
// the reply builder to echo peer headers verbatim.
func (m *Message) headerLine(name string) string {
	prefix := name + ":"
	for _, line := range m.lines[1:] {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	return ""
}

func (m *Message) CallID() string {
	return m.Header("Call-ID")
}

// CSeq returns the sequence number and method token from the CSeq header.
func (m *Message) CSeq() (uint32, string) {
	match := reCSeq.FindStringSubmatch(m.Header("CSeq"))
	if match == nil {
		return 0, ""
	}
	n, _ := strconv.ParseUint(match[1], 10, 32)
	return uint32(n), match[2]
}

// CSeqMethod is the method token from CSeq, the transaction matching key.
func (m *Message) CSeqMethod() string {
	_, method := m.CSeq()
	return method
}

func (m *Message) ToTag() string {
	return tagOf(m.Header("To"))
}

func (m *Message) FromTag() string {
	return tagOf(m.Header("From"))
}

func tagOf(header string) string {
	match := reTag.FindStringSubmatch(header)
	if match == nil {
		return ""
	}
	return match[1]
}

// FromUser extracts the user part of the From URI, the caller number on an
// incoming INVITE.
func (m *Message) FromUser() string {
	match := reFromUser.FindStringSubmatch(m.Header("From"))
	if match == nil {
		return ""
	}
	return match[1]
}

// Expires returns the Expires header value when present and numeric.
func (m *Message) Expires() (int, bool) {
	v := m.Header("Expires")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Challenge extracts the digest parameters from WWW-Authenticate or, on a
// 407, Proxy-Authenticate.
func (m *Message) Challenge() (*digest.Challenge, error) {
	v := m.Header("WWW-Authenticate")
	if v == "" {
		v = m.Header("Proxy-Authenticate")
	}
	return digest.ParseChallenge(v)
}
