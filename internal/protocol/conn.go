package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// lingerSeconds is applied to dialed and accepted TCP sockets
const lingerSeconds = 10

var (
	// ErrReadTimeout is returned when a frame is not fully read within the budget.
	ErrReadTimeout = errors.New("read timeout")
)

// Tap observes every frame passing through a Conn
type Tap func(sent bool, p *Packet)

// Conn is a framed, blocking packet connection
type Conn struct {
	raw    net.Conn
	logger *slog.Logger
	tap    Tap
}

// NewConn wraps an established connection
func NewConn(raw net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Conn{raw: raw, logger: logger}
}

// Dial connects to addr and tunes the socket for request/reply traffic
func Dial(ctx context.Context, addr string, timeout time.Duration, logger *slog.Logger) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	Tune(raw)
	return NewConn(raw, logger), nil
}

// Tune enables TCP_NODELAY and a bounded linger on TCP sockets
func Tune(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetLinger(lingerSeconds)
}

// SetTap installs a frame observer
func (c *Conn) SetTap(t Tap) {
	c.tap = t
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Send writes one frame. A nil packet sends nothing.
func (c *Conn) Send(p *Packet) error {
	if p == nil {
		return nil
	}
	payload, err := Encode(p)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, HeaderLength+len(payload))
	frame = append(frame, header(len(payload))...)
	frame = append(frame, payload...)
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.logger.Debug("sent", "packet", p)
	if c.tap != nil {
		c.tap(true, p)
	}
	return nil
}

// Recv reads one frame. The timeout covers header and payload together;
// a zero timeout waits forever.
func (c *Conn) Recv(timeout time.Duration) (*Packet, error) {
	if timeout > 0 {
		// A connection that refuses a deadline is already closed.
		if err := c.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, readErr("header", err)
		}
		defer func() {
			_ = c.raw.SetReadDeadline(time.Time{})
		}()
	}

	h := make([]byte, HeaderLength)
	if _, err := io.ReadFull(c.raw, h); err != nil {
		return nil, readErr("header", err)
	}
	n, err := parseHeader(h)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.raw, payload); err != nil {
		return nil, readErr("payload", err)
	}

	p, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("received", "packet", p)
	if c.tap != nil {
		c.tap(false, p)
	}
	return p, nil
}

func readErr(part string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w while reading frame %s: %v", ErrReadTimeout, part, err)
	}
	return fmt.Errorf("failed to read frame %s: %w", part, err)
}

// Close shuts down both directions and releases the socket. Errors are
// swallowed; closing twice is harmless.
func (c *Conn) Close() {
	if cr, ok := c.raw.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.raw.Close()
}

// CloseGraceful half-closes the write side and waits up to delay for the
// peer to finish (EOF) before closing. It replaces a fixed sleep before close:
// it returns as soon as the peer hangs up.
func (c *Conn) CloseGraceful(delay time.Duration) {
	if delay > 0 {
		if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		_ = c.raw.SetReadDeadline(time.Now().Add(delay))
		_, _ = io.Copy(io.Discard, c.raw)
	}
	c.Close()
}
