package procmesh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

var (
	ErrNoTLSConfig   = errors.New("transport: TlsConfig is required")
	ErrBufferSize    = errors.New("transport: could not allocate udp buffer")
	ErrQUICShutdown  = errors.New("transport: shutting down")
	ErrQUICInvalidIP = errors.New("transport: the address you provided is invalid")
)

// QUICConfig tunes the QUIC peer transport.
type QUICConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails hard when the kernel refuses the
	// requested size; otherwise the request is halved until it fits.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between
	// the peers: the cookie check alone does not authenticate anyone.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the peer listens.
	BindAddr string
	BindPort int

	// HintMaxStreams caps the incoming streams per QUIC connection. Each
	// peer link is its own connection carrying a single stream.
	HintMaxStreams int64

	// DialTimeout controls how much time we wait for stream
	// establishment.
	DialTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// QUICPeer carries peer links over QUIC streams: one accepted or dialed
// connection yields one duplex stream, which the cluster runtime frames
// messages over exactly as it would a TCP connection or a pipe. It
// satisfies Acceptor, and its Dial plugs into the launchers' Dial
// override.
type QUICPeer struct {
	cfg    *QUICConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func NewQUICPeer(cfg *QUICConfig) (q *QUICPeer, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	q = &QUICPeer{cfg: cfg}
	if cfg.LogHandler == nil {
		q.logger = slog.Default()
	} else {
		q.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		q.msink = metrics.Default()
	} else {
		q.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			q.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	q.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := q.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	q.tr = &quic.Transport{Conn: udpLn}

	hint := cfg.HintMaxStreams
	if hint == 0 {
		hint = 1024
	}
	ln, err := q.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: hint,
		MaxIdleTimeout:     1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	q.ln = ln
	return q, nil
}

func (q *QUICPeer) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := q.udpLn.SetReadBuffer(size); err != nil {
			if q.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			q.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return nil
	}
	return ErrBufferSize
}

// Addr is the advertised listen address.
func (q *QUICPeer) Addr() string {
	return q.udpLn.LocalAddr().String()
}

// Accept waits for a peer to dial in and returns the duplex stream it
// opened.
func (q *QUICPeer) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		if q.gracefulTerm.Load() {
			return nil, ErrQUICShutdown
		}
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	q.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, q.cfg.MetricLabels)
	return &quicDuplex{cx: conn, Stream: stream}, nil
}

// Dial opens a duplex stream to a listening peer.
func (q *QUICPeer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	if q.gracefulTerm.Load() {
		return nil, ErrQUICShutdown
	}
	if q.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.DialTimeout)
		defer cancel()
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQUICInvalidIP, err)
	}
	conn, err := q.tr.Dial(ctx, addr, q.cfg.TlsConfig, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "cannot open stream")
		return nil, err
	}
	// QUIC streams only materialize on the acceptor once bytes flow;
	// the cluster handshake follows immediately, so nothing extra is
	// needed here.
	q.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, q.cfg.MetricLabels)
	return &quicDuplex{cx: conn, Stream: stream}, nil
}

func (q *QUICPeer) Close() error {
	if !q.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	if q.ln != nil {
		q.ln.Close()
	}
	if q.tr != nil {
		q.tr.Close()
	}
	if q.udpLn != nil {
		q.udpLn.Close()
	}
	return nil
}

// quicDuplex binds a stream's lifetime to its connection: the cluster
// runtime owns exactly one stream per peer link, so closing the link
// closes the connection too.
type quicDuplex struct {
	cx quic.Connection
	quic.Stream
}

func (d *quicDuplex) Close() error {
	d.Stream.CancelRead(0)
	err := d.Stream.Close()
	d.cx.CloseWithError(0, "link closed")
	return err
}
