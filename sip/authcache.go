package sip

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/icholy/digest"
)

// Challenge is the digest challenge state carried between a 401/407 and the
// authenticated retry, and persisted so a reconnect can skip one round-trip.
type Challenge struct {
	Realm     string `json:"realm"`
	Nonce     string `json:"nonce"`
	Opaque    string `json:"opaque"`
	QOP       string `json:"qop,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Complete reports whether the challenge carries everything needed to build
// an Authorization header. Realm, nonce and opaque must all be present.
func (c *Challenge) Complete() bool {
	return c != nil && c.Realm != "" && c.Nonce != "" && c.Opaque != ""
}

func challengeFromDigest(dc *digest.Challenge) *Challenge {
	ch := &Challenge{
		Realm:     dc.Realm,
		Nonce:     dc.Nonce,
		Opaque:    dc.Opaque,
		Timestamp: time.Now().Unix(),
	}
	for _, qop := range dc.QOP {
		if qop == "auth" {
			ch.QOP = qop
		}
	}
	if ch.QOP == "" && len(dc.QOP) > 0 {
		ch.QOP = dc.QOP[0]
	}
	return ch
}

// ChallengeStore persists the last received digest challenge. A single
// credential set is assumed: Save overwrites wholesale.
type ChallengeStore interface {
	Load() (*Challenge, error)
	Save(*Challenge) error
	Clear() error
}

// FileChallengeStore keeps the challenge as a small JSON file.
type FileChallengeStore struct {
	path string
	mu   sync.Mutex
}

func NewFileChallengeStore(path string) *FileChallengeStore {
	return &FileChallengeStore{path: path}
}

// Load reads the cached challenge. A missing file is not an error, it just
// means no cached challenge.
func (s *FileChallengeStore) Load() (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *FileChallengeStore) Save(ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileChallengeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryChallengeStore is the default store when none is injected and the
// store used by tests.
type MemoryChallengeStore struct {
	mu sync.Mutex
	ch *Challenge
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{}
}

func (s *MemoryChallengeStore) Load() (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch, nil
}

func (s *MemoryChallengeStore) Save(ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
	return nil
}

func (s *MemoryChallengeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = nil
	return nil
}
