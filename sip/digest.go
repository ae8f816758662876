package sip

import (
	"fmt"

	"github.com/icholy/digest"
)

// digestResponse computes the RFC 2617 digest response for one request.
// With qop="auth" the nonce count is fixed at 1 (single use per challenge);
// without qop the legacy RFC 2069 form is used. When cnonce is empty a
// random 16 character alphanumeric one is generated. The response and the
// cnonce actually used are returned, so the same inputs always produce the
// same output.
func digestResponse(username, password, realm, nonce, method, uri, qop, cnonce string) (string, string, error) {
	if cnonce == "" {
		cnonce = randomAlnum(16)
	}
	chal := &digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Algorithm: "MD5",
	}
	if qop != "" {
		chal.QOP = []string{qop}
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
		Cnonce:   cnonce,
		Count:    1,
	})
	if err != nil {
		return "", "", fmt.Errorf("compute digest: %w", err)
	}
	return cred.Response, cnonce, nil
}

// authorizationHeader renders a full Authorization header line for the
// given method and request URI from a cached challenge. HA2 depends on
// method and URI, so every method computes its own response.
func authorizationHeader(username, password, method, uri string, ch *Challenge) (string, error) {
	chal := &digest.Challenge{
		Realm:     ch.Realm,
		Nonce:     ch.Nonce,
		Opaque:    ch.Opaque,
		Algorithm: "MD5",
	}
	if ch.QOP != "" {
		chal.QOP = []string{ch.QOP}
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
		Cnonce:   randomAlnum(16),
		Count:    1,
	})
	if err != nil {
		return "", fmt.Errorf("build authorization: %w", err)
	}
	return "Authorization: " + cred.String(), nil
}
