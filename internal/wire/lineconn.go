// Package wire holds the line framing and the challenge/response handshake
// spoken on the gateway-to-supervisor hop.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/usibridge/internal/consts"
)

// ErrLineTooLong is returned when a peer sends more than consts.MaxLineLength
// bytes without a terminator.
var ErrLineTooLong = errors.New("line too long")

// LineConn frames a net.Conn as newline-terminated text. Reads must come from
// a single goroutine; writes are serialized internally.
type LineConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	closeMu sync.Once
}

// NewLineConn wraps conn.
func NewLineConn(conn net.Conn) *LineConn {
	return &LineConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
	}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
func (c *LineConn) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > consts.MaxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// WriteLine writes line followed by "\n".
func (c *LineConn) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Write forwards raw bytes, used for relaying process output verbatim.
func (c *LineConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

// ReadAll drains the connection until the peer closes it, up to limit bytes.
func (c *LineConn) ReadAll(limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("reply exceeds %d bytes", limit)
	}
	return data, nil
}

// SetDeadline bounds all pending and future I/O. The zero time clears it.
func (c *LineConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *LineConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		err = c.conn.Close()
	})
	return err
}
