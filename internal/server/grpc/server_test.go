package grpc_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	grpcserver "github.com/pacfix/triagecore/internal/server/grpc"
	"github.com/pacfix/triagecore/internal/server/storage"
	triageevent "github.com/pacfix/triagecore/proto"
)

// ─── In-memory test PKI ───────────────────────────────────────────────────────

type testPKI struct {
	caPool     *x509.CertPool
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	caCertPath string
	srvCrtPath string
	srvKeyPath string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "triagecore Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, _ := x509.ParseCertificate(caCertDER)

	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)
	caPath := filepath.Join(dir, "ca.crt")
	writePEMCert(t, caPath, caCertDER)

	srvKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	srvTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "triagecore-dashboard"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	srvCertDER, _ := x509.CreateCertificate(rand.Reader, srvTemplate, caCert, &srvKey.PublicKey, caKey)

	srvCrtPath := filepath.Join(dir, "server.crt")
	srvKeyPath := filepath.Join(dir, "server.key")
	writePEMCert(t, srvCrtPath, srvCertDER)
	writePEMKey(t, srvKeyPath, srvKey)

	return &testPKI{
		caPool:     caPool,
		caCert:     caCert,
		caKey:      caKey,
		caCertPath: caPath,
		srvCrtPath: srvCrtPath,
		srvKeyPath: srvKeyPath,
	}
}

func (p *testPKI) signClientCert(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, _ := x509.CreateCertificate(rand.Reader, template, p.caCert, &key.PublicKey, p.caKey)
	leaf, _ := x509.ParseCertificate(certDER)

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

func writePEMCert(t *testing.T, path string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	_ = pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writePEMKey(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, _ := x509.MarshalECPrivateKey(key)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	_ = pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu     sync.Mutex
	runs   map[string]storage.Run
	events []storage.TriageEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]storage.Run{}}
}

func (s *fakeStore) UpsertRun(ctx context.Context, r storage.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r
	return r.RunID, nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return &r, nil
}

func (s *fakeStore) BatchInsertEvents(ctx context.Context, evt storage.TriageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *fakeStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []storage.TriageEvent
}

func (b *fakeBroadcaster) Publish(evt storage.TriageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, evt)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// ─── Server launch helper ─────────────────────────────────────────────────────

func startServer(t *testing.T, pki *testPKI, impl triageevent.TriageEventServiceServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	cfg := grpcserver.Config{
		CertPath: pki.srvCrtPath,
		KeyPath:  pki.srvKeyPath,
		CAPath:   pki.caCertPath,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := grpcserver.New(cfg, logger, impl)
	if err != nil {
		lis.Close()
		t.Fatalf("grpcserver.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeOnListener(ctx, lis)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return addr
}

func dialClient(t *testing.T, addr string, pki *testPKI, clientCert tls.Certificate) *grpc.ClientConn {
	t.Helper()

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pki.caPool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestCoreCNFromContext_NoPeer(t *testing.T) {
	cn, ok := grpcserver.CoreCNFromContext(context.Background())
	if ok || cn != "" {
		t.Errorf("expected (empty, false); got (%q, %v)", cn, ok)
	}
}

func TestMTLSRegisterAndStreamEvents(t *testing.T) {
	pki := newTestPKI(t)
	store := newFakeStore()
	bc := &fakeBroadcaster{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := grpcserver.NewService(store, bc, logger, 0)

	addr := startServer(t, pki, svc)

	clientCert := pki.signClientCert(t, "fuzzer-node-42")
	conn := dialClient(t, addr, pki, clientCert)
	client := triageevent.NewTriageEventServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Register(ctx, &triageevent.RegisterRequest{Hostname: "node-42"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.RunID == "" {
		t.Fatal("Register: empty RunID")
	}

	stream, err := client.StreamEvents(ctx)
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}

	evt := &triageevent.TriageEvent{
		EventID:     "evt-1",
		RunID:       resp.RunID,
		TimestampUs: time.Now().UnixMicro(),
		Kind:        triageevent.KindNewCoverage,
		Path:        "queue/id:000001",
		NewPath:     true,
	}
	if err := stream.Send(evt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ack.Type != "ACK" {
		t.Errorf("ack.Type = %q, want ACK (error: %s)", ack.Type, ack.Error)
	}

	if store.eventCount() != 1 {
		t.Errorf("store event count = %d, want 1", store.eventCount())
	}
	if bc.count() != 1 {
		t.Errorf("broadcaster publish count = %d, want 1", bc.count())
	}
}

func TestMTLSRejectsNoClientCert(t *testing.T) {
	pki := newTestPKI(t)
	store := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := grpcserver.NewService(store, &fakeBroadcaster{}, logger, 0)
	addr := startServer(t, pki, svc)

	tlsCfg := &tls.Config{
		RootCAs:    pki.caPool,
		ServerName: "localhost",
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = triageevent.NewTriageEventServiceClient(conn).Register(ctx, &triageevent.RegisterRequest{})
	if err == nil {
		t.Fatal("expected error for connection without client cert; got nil")
	}
}

func TestStreamEventsRejectsInvalidKind(t *testing.T) {
	pki := newTestPKI(t)
	store := newFakeStore()
	bc := &fakeBroadcaster{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := grpcserver.NewService(store, bc, logger, 0)
	addr := startServer(t, pki, svc)

	clientCert := pki.signClientCert(t, "fuzzer-node-1")
	conn := dialClient(t, addr, pki, clientCert)
	client := triageevent.NewTriageEventServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamEvents(ctx)
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}

	evt := &triageevent.TriageEvent{
		EventID:     "evt-bad",
		RunID:       "run-x",
		TimestampUs: time.Now().UnixMicro(),
		Kind:        triageevent.Kind("BOGUS"),
	}
	if err := stream.Send(evt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ack.Type != "ERROR" {
		t.Errorf("ack.Type = %q, want ERROR", ack.Type)
	}
	if store.eventCount() != 0 {
		t.Errorf("store event count = %d, want 0 for rejected event", store.eventCount())
	}
}

func TestServerNewErrorBadCert(t *testing.T) {
	cfg := grpcserver.Config{
		CertPath: "/nonexistent/server.crt",
		KeyPath:  "/nonexistent/server.key",
		CAPath:   "/nonexistent/ca.crt",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newFakeStore()
	svc := grpcserver.NewService(store, &fakeBroadcaster{}, logger, 0)
	_, err := grpcserver.New(cfg, logger, svc)
	if err == nil {
		t.Fatal("expected error for invalid cert paths; got nil")
	}
}
