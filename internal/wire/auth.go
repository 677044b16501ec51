package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/usibridge/internal/securemem"
)

// Protocol tokens.
const (
	ChallengePrefix = "auth_cram_sha256 "
	ResponsePrefix  = "auth "
	AuthOK          = "auth_ok"
	ErrorPrefix     = "WRAPPER_ERROR: "

	nonceBytes = 32
)

var (
	// ErrAuthFailed means the peer's response did not match the issued nonce.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnexpectedLine means the peer spoke out of turn during the handshake.
	ErrUnexpectedLine = errors.New("unexpected line during authentication")
)

// RemoteError is a WRAPPER_ERROR reported by the supervisor.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Reason
}

// NewNonce returns a fresh hex-encoded random nonce.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes hex(HMAC-SHA256(secret, nonce)).
func Sign(secret *securemem.Secret, nonce string) (string, error) {
	var sig string
	err := secret.WithBytes(func(key []byte) {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(nonce))
		sig = hex.EncodeToString(mac.Sum(nil))
	})
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return sig, nil
}

// Verify checks that response is exactly the lowercase hex signature of
// nonce, in constant time.
func Verify(secret *securemem.Secret, nonce, response string) bool {
	expected, err := Sign(secret, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(response))
}

// WriteError sends a WRAPPER_ERROR line. The reason must be safe to show to
// the peer.
func WriteError(c *LineConn, reason string) error {
	return c.WriteLine(ErrorPrefix + reason)
}

// Challenge runs the answering side of the handshake: it issues a nonce,
// waits for the response, and replies auth_ok. On any failure it sends a
// WRAPPER_ERROR line and returns an error; the caller closes the connection.
func Challenge(c *LineConn, secret *securemem.Secret) error {
	nonce, err := NewNonce()
	if err != nil {
		_ = WriteError(c, "internal error")
		return err
	}
	if err := c.WriteLine(ChallengePrefix + nonce); err != nil {
		return err
	}

	line, err := c.ReadLine()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	response, ok := strings.CutPrefix(line, ResponsePrefix)
	if !ok {
		_ = WriteError(c, "authentication required")
		return ErrUnexpectedLine
	}
	if !Verify(secret, nonce, response) {
		_ = WriteError(c, "authentication failed")
		return ErrAuthFailed
	}
	return c.WriteLine(AuthOK)
}

// Respond runs the initiating side: it waits for the challenge, answers it
// and expects auth_ok.
func Respond(c *LineConn, secret *securemem.Secret) error {
	line, err := c.ReadLine()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if reason, ok := strings.CutPrefix(line, ErrorPrefix); ok {
		return &RemoteError{Reason: reason}
	}
	nonce, ok := strings.CutPrefix(line, ChallengePrefix)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnexpectedLine, line)
	}

	sig, err := Sign(secret, strings.TrimSpace(nonce))
	if err != nil {
		return err
	}
	if err := c.WriteLine(ResponsePrefix + sig); err != nil {
		return err
	}

	line, err = c.ReadLine()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if line == AuthOK {
		return nil
	}
	if reason, ok := strings.CutPrefix(line, ErrorPrefix); ok {
		return fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedLine, line)
}
