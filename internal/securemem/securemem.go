package securemem

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Secret is a shared key stored in an encrypted memguard enclave. The zero
// value and a nil *Secret both behave as "no secret configured".
type Secret struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	size    int
}

// NewSecret seals value into an enclave. An empty value yields an empty Secret.
func NewSecret(value string) *Secret {
	s := &Secret{size: len(value)}
	if value == "" {
		return s
	}
	s.enclave = memguard.NewEnclave([]byte(value))
	return s
}

// IsEmpty reports whether no secret is configured.
func (s *Secret) IsEmpty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enclave == nil || s.size == 0
}

// WithBytes opens the enclave and passes the plaintext to fn. The buffer is
// destroyed as soon as fn returns, so fn must not retain it.
func (s *Secret) WithBytes(fn func([]byte)) error {
	if s.IsEmpty() {
		fn(nil)
		return nil
	}

	s.mu.Lock()
	enclave := s.enclave
	s.mu.Unlock()
	if enclave == nil {
		fn(nil)
		return nil
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	fn(buf.Bytes())
	return nil
}

// Destroy drops the enclave. The Secret reads as empty afterwards.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.size = 0
}
