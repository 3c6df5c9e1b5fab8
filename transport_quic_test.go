package procmesh

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/platformaware/procmesh/pkg/wire"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, ca, &tmpl, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testTLSPair builds mTLS configs for two peers signed by one CA.
func testTLSPair(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	n1Key := generateKeyPair(t)
	n2Key := generateKeyPair(t)

	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	n1DER := generateLeaf(t, ca, caKey, n1Key, "node1")
	n2DER := generateLeaf(t, ca, caKey, n2Key, "node2")

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	mk := func(der []byte, key *ecdsa.PrivateKey) *tls.Config {
		return &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{der},
				PrivateKey:  key,
			}},
			RootCAs:    caPool,
			ClientCAs:  caPool,
			ClientAuth: tls.RequireAndVerifyClientCert,
			ServerName: "127.0.0.1",
			NextProtos: []string{"procmesh"},
			MinVersion: tls.VersionTLS13,
		}
	}
	return mk(n1DER, n1Key), mk(n2DER, n2Key)
}

func TestQUICPeerRequiresTLS(t *testing.T) {
	_, err := NewQUICPeer(&QUICConfig{})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQUICPeerStreamRoundTrip(t *testing.T) {
	tls1, tls2 := testTLSPair(t)

	server, err := NewQUICPeer(&QUICConfig{
		TlsConfig:  tls2,
		BindAddr:   "127.0.0.1",
		LogHandler: testLogHandler(t, "quic-server"),
		MetricSink: blackhole(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err := NewQUICPeer(&QUICConfig{
		TlsConfig:   tls1,
		BindAddr:    "127.0.0.1",
		DialTimeout: 10 * time.Second,
		LogHandler:  testLogHandler(t, "quic-client"),
		MetricSink:  blackhole(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx := testCtx(t)
	accepted := make(chan *wire.Conn, 1)
	go func() {
		rwc, err := server.Accept(ctx)
		if err != nil {
			return
		}
		accepted <- wire.NewConn(rwc)
	}()

	rwc, err := client.Dial(ctx, server.Addr())
	require.NoError(t, err)
	cc := wire.NewConn(rwc)

	// The cluster handshake and a frame, exactly as the runtime would
	// drive the link.
	require.NoError(t, cc.WriteHandshake("quic-cookie", Version))

	var sc *wire.Conn
	select {
	case sc = <-accepted:
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	version, err := sc.ReadHandshake("quic-cookie")
	require.NoError(t, err)
	require.Equal(t, Version, version)

	notify := wire.RRID{Whence: 1, ID: 1, Tag: 0}
	require.NoError(t, cc.WriteFrame(
		wire.Header{Tag: wire.TagCallFetch, NotifyOID: notify},
		&wire.CallMsg{Func: "echo", Args: []any{"over-quic"}},
	))
	sc.ResetCodec()
	hdr, err := sc.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, wire.TagCallFetch, hdr.Tag)
	msg, err := sc.ReadBody(hdr.Tag)
	require.NoError(t, err)
	require.Equal(t, "over-quic", msg.(*wire.CallMsg).Args[0])
	require.NoError(t, sc.ReadBoundary())

	// And back the other way.
	require.NoError(t, sc.WriteFrame(
		wire.Header{Tag: wire.TagResult, ResponseOID: notify},
		&wire.ResultMsg{Value: "pong"},
	))
	cc.ResetCodec()
	hdr, err = cc.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, notify, hdr.ResponseOID)
	res, err := cc.ReadBody(hdr.Tag)
	require.NoError(t, err)
	require.Equal(t, "pong", res.(*wire.ResultMsg).Value)
}

func TestQUICWorkerServesCluster(t *testing.T) {
	tlsW, tlsC := testTLSPair(t)

	// The worker listens on QUIC; the controller's launcher dials it
	// through a QUICPeer instead of TCP.
	workerPeer, err := NewQUICPeer(&QUICConfig{
		TlsConfig:  tlsW,
		BindAddr:   "127.0.0.1",
		LogHandler: testLogHandler(t, "quic-worker"),
		MetricSink: blackhole(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { workerPeer.Close() })

	ctrlPeer, err := NewQUICPeer(&QUICConfig{
		TlsConfig:   tlsC,
		BindAddr:    "127.0.0.1",
		DialTimeout: 10 * time.Second,
		LogHandler:  testLogHandler(t, "quic-ctrl"),
		MetricSink:  blackhole(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctrlPeer.Close() })

	cookie := NewCookie()
	rt, err := NewWorkerRuntime(
		WithCookie(cookie),
		WithLog(testLogHandler(t, "worker")),
		WithMetricSink(blackhole()),
		WithExitFunc(func(int) {}),
	)
	require.NoError(t, err)
	registerArith(rt)
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	ctx := testCtx(t)
	go func() {
		for {
			rwc, err := workerPeer.Accept(ctx)
			if err != nil {
				return
			}
			rt.ServeConn(rwc)
		}
	}()

	launcher := &quicOneShotLauncher{peer: ctrlPeer, addr: workerPeer.Addr()}
	ctrl, err := NewController(
		WithCookie(cookie),
		WithLog(testLogHandler(t, "ctrl")),
		WithMetricSink(blackhole()),
		WithLauncher(launcher),
		WithWorkerTimeout(10*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Shutdown(context.Background()) })

	pids, err := ctrl.AddWorkers(ctx, LaunchParams{Count: 1})
	require.NoError(t, err)
	require.Len(t, pids, 1)

	v, err := ctrl.RemoteCallFetch("add1", pids[0], int64(41))
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
}

// quicOneShotLauncher launches nothing: it hands the controller one
// pre-listening QUIC worker.
type quicOneShotLauncher struct {
	peer *QUICPeer
	addr string
}

func (l *quicOneShotLauncher) Launch(ctx context.Context, params LaunchParams, out chan<- *WorkerConfig) error {
	for i := 0; i < params.Count; i++ {
		select {
		case out <- &WorkerConfig{Addr: l.addr}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *quicOneShotLauncher) Connect(ctx context.Context, pid int64, cfg *WorkerConfig) (io.ReadWriteCloser, error) {
	return l.peer.Dial(ctx, cfg.Addr)
}

func (l *quicOneShotLauncher) Manage(pid int64, cfg *WorkerConfig, op ManageOp) {}

func (l *quicOneShotLauncher) Kill(pid int64, cfg *WorkerConfig) error { return nil }
