package wire

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	// CookieLen is the exact length of the shared-secret cookie
	// exchanged before the first frame.
	CookieLen = 16

	// VersionLen is the exact length of the (padded) advisory version
	// string following the cookie.
	VersionLen = 16

	// BoundaryLen is the length of the sentinel terminating every frame.
	BoundaryLen = 16
)

// MsgBoundary terminates every frame. Both peers scan for it to regain
// framing after a body-decode fault.
var MsgBoundary = [BoundaryLen]byte{
	0x7f, 'p', 'm', 0x00, 0xa3, 0x17, 0x5c, 0xc9,
	0x0e, 'm', 's', 'h', 0xf2, 0x44, 0x81, 0xbe,
}

var (
	ErrBadCookie   = errors.New("wire: cluster cookie mismatch")
	ErrBadBoundary = errors.New("wire: frame boundary mismatch")
	ErrResyncEOF   = errors.New("wire: stream ended while scanning for boundary")
	ErrWrite       = errors.New("wire: error writing to stream")
)

// DecodeError marks a body-deserialization fault. The dispatcher treats
// it as recoverable: it resyncs to the next boundary and keeps going.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: body decode failure: %s", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	return h
}

// Conn frames messages over one duplex byte stream. Reads are unbuffered
// beyond the bufio layer so that consumption stays byte-exact: after a
// decode fault, every unconsumed byte is still visible to the resync
// scanner.
//
// Writers on one Conn are serialized at frame granularity by an internal
// mutex; readers must be a single goroutine (the dispatcher).
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	bw  *bufio.Writer
	dec *codec.Decoder
	enc *codec.Encoder

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	h := newHandle()
	c := &Conn{
		rwc: rwc,
		br:  bufio.NewReader(rwc),
		bw:  bufio.NewWriter(rwc),
	}
	// The decoder is handed the bufio.Reader directly: it satisfies
	// io.ByteScanner, so the codec reads through it without its own
	// read-ahead buffer.
	c.dec = codec.NewDecoder(c.br, h)
	c.enc = codec.NewEncoder(c.bw, h)
	return c
}

// WriteHandshake emits the pre-frame bytes of a fresh connection,
// initiator side: cookie first, then the padded version string.
func (c *Conn) WriteHandshake(cookie, version string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(padTo(cookie, CookieLen)); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if _, err := c.bw.Write(padTo(version, VersionLen)); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// ReadHandshake consumes the initiator's cookie and version and checks
// the cookie with a constant-length compare. The version is advisory and
// returned as-is.
func (c *Conn) ReadHandshake(cookie string) (version string, err error) {
	var buf [CookieLen + VersionLen]byte
	if _, err := io.ReadFull(c.br, buf[:]); err != nil {
		return "", fmt.Errorf("wire: handshake read: %w", err)
	}
	want := padTo(cookie, CookieLen)
	if subtle.ConstantTimeCompare(buf[:CookieLen], want) != 1 {
		return "", ErrBadCookie
	}
	return unpad(buf[CookieLen:]), nil
}

// ResetCodec discards any per-message decoder state. Called at the top
// of every dispatcher iteration and after a resync.
func (c *Conn) ResetCodec() {
	c.dec.Reset(c.br)
}

func (c *Conn) ReadHeader() (Header, error) {
	var h Header
	if err := c.dec.Decode(&h); err != nil {
		return Header{}, fmt.Errorf("wire: header read: %w", err)
	}
	return h, nil
}

// ReadBody decodes the body variant selected by tag. Unknown tags and
// malformed bodies both surface as *DecodeError so the caller can take
// the resync path instead of tearing the connection down.
func (c *Conn) ReadBody(tag Tag) (Msg, error) {
	var m Msg
	switch tag {
	case TagCall, TagCallFetch:
		m = new(CallMsg)
	case TagCallWait:
		m = new(CallWaitMsg)
	case TagRemoteDo:
		m = new(RemoteDoMsg)
	case TagResult:
		m = new(ResultMsg)
	case TagIdentifySocket:
		m = new(IdentifySocketMsg)
	case TagIdentifySocketAck:
		m = new(IdentifySocketAckMsg)
	case TagJoinPGRP:
		m = new(JoinPGRPMsg)
	case TagJoinComplete:
		m = new(JoinCompleteMsg)
	default:
		return nil, &DecodeError{Cause: fmt.Errorf("unknown message tag %d", tag)}
	}
	if err := c.dec.Decode(m); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	return m, nil
}

// ReadBoundary consumes the sentinel that must follow every body. A
// mismatch here means the two sides disagree about framing and is not
// recoverable.
func (c *Conn) ReadBoundary() error {
	var buf [BoundaryLen]byte
	if _, err := io.ReadFull(c.br, buf[:]); err != nil {
		return fmt.Errorf("wire: boundary read: %w", err)
	}
	if buf != MsgBoundary {
		return ErrBadBoundary
	}
	return nil
}

// ResyncToBoundary reads one byte at a time until the boundary pattern
// matches, resetting the scanner on mismatch. EOF during the scan means
// the connection is dead.
func (c *Conn) ResyncToBoundary() error {
	matched := 0
	for matched < BoundaryLen {
		b, err := c.br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResyncEOF, err)
		}
		switch {
		case b == MsgBoundary[matched]:
			matched++
		case b == MsgBoundary[0]:
			matched = 1
		default:
			matched = 0
		}
	}
	return nil
}

// WriteFrame emits one complete frame: header, body, boundary. The
// write mutex is held for the whole frame so concurrent senders
// interleave only at frame granularity.
func (c *Conn) WriteFrame(h Header, body Msg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.enc.Reset(c.bw)
	if err := c.enc.Encode(&h); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.enc.Encode(body); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if _, err := c.bw.Write(MsgBoundary[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func padTo(s string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}

func unpad(buf []byte) string {
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}
