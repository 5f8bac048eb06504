package gateway

import (
	"fmt"
	"io"
	"net"
	"time"

	"exchange-core/internal/protocol"
)

// Handshaker is the external session-layer contract: it runs whatever
// authentication the deployment uses and yields the session's principal
// identifier before any order is accepted. The core treats the principal as
// opaque and compares it byte-for-byte with the client id embedded in each
// inbound order.
type Handshaker interface {
	Handshake(conn net.Conn) (principal string, err error)
}

// IdentityPreamble is the default handshake for the simulator: the client
// sends its identity as a fixed 32-byte NUL-padded field immediately after
// connecting. No cryptography — authenticating the principal is explicitly
// outside the core.
type IdentityPreamble struct {
	Timeout time.Duration
}

// Handshake reads and sanitizes the 32-byte identity preamble.
func (h IdentityPreamble) Handshake(conn net.Conn) (string, error) {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer conn.SetReadDeadline(time.Time{})

	var raw [32]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		return "", fmt.Errorf("read identity preamble: %w", err)
	}
	principal, ok := protocol.SanitizeClientID(raw[:])
	if !ok {
		return "", fmt.Errorf("invalid identity preamble")
	}
	return principal, nil
}
