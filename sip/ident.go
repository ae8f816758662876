package sip

import (
	"math/rand"
	"strconv"

	"github.com/google/uuid"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlnum(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[rand.Intn(len(alnum))]
	}
	return string(b)
}

// generateTag returns a From/To tag in the same numeric form servers saw
// from the original gateway.
func generateTag() string {
	return strconv.FormatUint(uint64(rand.Uint32()), 10)
}

// generateBranch returns a Via branch with the RFC 3261 magic cookie.
func generateBranch() string {
	return "z9hG4bK" + strconv.FormatUint(uint64(rand.Uint32()), 10)
}

func generateCallID(localIP string) string {
	return uuid.NewString() + "@" + localIP
}
