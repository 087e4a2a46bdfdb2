// Package secmem wraps secrets that live for the whole process, like
// the device's hub token, so they cannot leak through format verbs or
// JSON encoding and can be wiped on shutdown.
package secmem

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// SecureString holds sensitive data with best-effort memory zeroing.
// Go's GC may copy the backing array, so the wipe is defense in depth,
// not a guarantee.
//
// String() and friends return [REDACTED]; Reveal() returns the
// plaintext and belongs only at the point of actual use, like building
// a connection URL.
type SecureString struct {
	mu     sync.Mutex
	data   []byte
	zeroed atomic.Bool
}

// NewSecureString copies s into a wipeable buffer.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value. Returns "" if the receiver is
// nil or the data has been zeroed.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// IsZeroed reports whether Zero has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

// String returns [REDACTED] so fmt.Stringer usage cannot leak the
// plaintext.
func (s *SecureString) String() string {
	return "[REDACTED]"
}

// GoString covers %#v.
func (s *SecureString) GoString() string {
	return "[REDACTED]"
}

// Format implements fmt.Formatter so every verb produces [REDACTED].
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, "[REDACTED]")
}

// MarshalJSON redacts the value in encoded output.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal("[REDACTED]")
}

// MarshalText redacts the value in encoded output.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// UnmarshalJSON rejects deserialization; a SecureString is built from
// config by the caller, never from wire input.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into SecureString")
}

// Zero overwrites the backing bytes. Call in shutdown paths once the
// token can no longer be needed.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed.Store(true)
}
