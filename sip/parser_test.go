package sip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleResponse = "SIP/2.0 401 Unauthorized\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds;rport\r\n" +
	"From: <sip:100@sip.example.com>;tag=1928301774\r\n" +
	"To: <sip:100@sip.example.com>;tag=314159\r\n" +
	"Call-ID: a84b4c76e66710@10.0.0.5\r\n" +
	"CSeq: 1 REGISTER\r\n" +
	"WWW-Authenticate: Digest realm=\"sip.example.com\", nonce=\"84a4cc6f3\", opaque=\"5ccc069c\", qop=\"auth\"\r\n" +
	"Expires: 300\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestParseResponse(t *testing.T) {
	m := ParseMessage(sampleResponse)
	require.True(t, m.IsResponse)
	require.Equal(t, 401, m.StatusCode)
	require.Equal(t, "Unauthorized", m.Reason)
	require.Equal(t, "a84b4c76e66710@10.0.0.5", m.CallID())

	n, method := m.CSeq()
	require.Equal(t, uint32(1), n)
	require.Equal(t, "REGISTER", method)
	require.Equal(t, "REGISTER", m.CSeqMethod())

	require.Equal(t, "314159", m.ToTag())
	require.Equal(t, "1928301774", m.FromTag())

	exp, ok := m.Expires()
	require.True(t, ok)
	require.Equal(t, 300, exp)
}

func TestParseResponseChallenge(t *testing.T) {
	m := ParseMessage(sampleResponse)
	dc, err := m.Challenge()
	require.NoError(t, err)
	require.Equal(t, "sip.example.com", dc.Realm)
	require.Equal(t, "84a4cc6f3", dc.Nonce)
	require.Equal(t, "5ccc069c", dc.Opaque)
	require.Equal(t, []string{"auth"}, dc.QOP)

	ch := challengeFromDigest(dc)
	require.True(t, ch.Complete())
	require.Equal(t, "auth", ch.QOP)
	require.NotZero(t, ch.Timestamp)
}

func TestParseProxyAuthenticate(t *testing.T) {
	raw := "SIP/2.0 407 Proxy Authentication Required\r\n" +
		"CSeq: 3 INVITE\r\n" +
		"Proxy-Authenticate: Digest realm=\"proxy.example.com\", nonce=\"xyz\"\r\n" +
		"Content-Length: 0\r\n\r\n"
	m := ParseMessage(raw)
	dc, err := m.Challenge()
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com", dc.Realm)
}

func TestParseRequest(t *testing.T) {
	raw := "INVITE sip:100@sip.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.7:5060;branch=z9hG4bKnashds8\r\n" +
		"From: \"Alice\" <sip:200@sip.example.com>;tag=456248\r\n" +
		"To: <sip:100@sip.example.com>\r\n" +
		"Call-ID: 3848276298220188511@192.168.1.7\r\n" +
		"CSeq: 18 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 11\r\n" +
		"\r\n" +
		"v=0\r\no=- 1"
	m := ParseMessage(raw)
	require.False(t, m.IsResponse)
	require.Equal(t, "INVITE", m.Method)
	require.Equal(t, "sip:100@sip.example.com", m.RequestURI)
	require.Equal(t, "200", m.FromUser())
	require.Equal(t, "", m.ToTag())
	require.Equal(t, "v=0\r\no=- 1", m.Body)
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{"", "\r\n\r\n", "garbage", "SIP/2.0\r\n\r\n"} {
		m := ParseMessage(raw)
		require.False(t, m.IsResponse && m.StatusCode != 0, "raw=%q", raw)
		require.Empty(t, m.CallID())
		_, ok := m.Expires()
		require.False(t, ok)
	}
	// A bare method token still classifies as a request.
	m := ParseMessage("garbage")
	require.Equal(t, "garbage", m.Method)
}

func TestHeaderAbsent(t *testing.T) {
	m := ParseMessage(sampleResponse)
	require.Empty(t, m.Header("X-Missing"))
	require.Empty(t, m.headerLine("X-Missing"))
	_, err := ParseMessage("SIP/2.0 200 OK\r\n\r\n").Challenge()
	require.Error(t, err)
}
