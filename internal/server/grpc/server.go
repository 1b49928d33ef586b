// Package grpc implements the triage dashboard's gRPC TriageEvent ingestion
// service. The Service type satisfies triageevent.TriageEventServiceServer
// and wires together the storage layer (PostgreSQL) and the WebSocket
// broadcaster for real-time fan-out to browser clients. GRPCServer bootstraps
// the mTLS listener that exposes it.
//
// Lifecycle
//
//	svc := grpc.NewService(store, broadcaster, logger, 0)
//	srv, err := grpc.New(grpc.Config{Addr: ":4443", CertPath: ..., KeyPath: ..., CAPath: ...}, logger, svc)
//	err = srv.Serve(ctx)
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/pacfix/triagecore/internal/server/storage"
	ws "github.com/pacfix/triagecore/internal/server/websocket"
	triageevent "github.com/pacfix/triagecore/proto"
)

// Store is the subset of storage.Store methods used by the gRPC service.
// Defined as an interface so tests can substitute a fake.
type Store interface {
	// UpsertRun persists the run record and returns the stable run_id that
	// is stored in the database. On a run_id conflict the row is updated in
	// place so that event correlation remains intact across reconnects.
	UpsertRun(ctx context.Context, r storage.Run) (string, error)
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	BatchInsertEvents(ctx context.Context, evt storage.TriageEvent) error
}

// Broadcaster is the subset of the websocket.Broadcaster interface used by
// Service. Declaring a local interface rather than importing the concrete
// type keeps the service trivially testable with a stub.
type Broadcaster interface {
	Publish(evt storage.TriageEvent)
}

// Service implements triageevent.TriageEventServiceServer. It validates
// incoming TriageEvents, persists them to PostgreSQL, and publishes each
// persisted event to the WebSocket broadcaster for real-time browser
// delivery.
type Service struct {
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxEventAgeSecs is the maximum age of a reported event relative to the
	// server clock. Events older than this are rejected as stale.
	maxEventAgeSecs int64
}

// NewService creates a Service.
//
//   - store must be an open, ready-to-use storage.Store (or a test stub).
//   - broadcaster must be a running *websocket.Broadcaster (or a test stub).
//   - logger is used for structured per-event logging.
//   - maxEventAgeSecs is the tolerated clock skew window; <=0 uses the
//     default of 300 seconds (5 minutes).
func NewService(store Store, broadcaster Broadcaster, logger *slog.Logger, maxEventAgeSecs int64) *Service {
	if maxEventAgeSecs <= 0 {
		maxEventAgeSecs = 300
	}
	return &Service{
		store:           store,
		broadcaster:     broadcaster,
		logger:          logger,
		maxEventAgeSecs: maxEventAgeSecs,
	}
}

// Register implements triageevent.TriageEventServiceServer.Register.
//
// It upserts a Run record in the database, deriving the run's identity from
// the mTLS client-certificate CN when available, falling back to the
// self-reported hostname in the request.
func (s *Service) Register(ctx context.Context, req *triageevent.RegisterRequest) (*triageevent.RegisterResponse, error) {
	hostname := req.Hostname

	// Prefer the CN embedded in the client certificate over the self-reported
	// hostname so that identity is tied to the PKI, not the core's claim.
	if cn := certCN(ctx); cn != "" {
		hostname = cn
	}
	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register: hostname is required")
	}

	now := time.Now().UTC()
	// Every Register mints a fresh run_id, so a reconnecting core is recorded
	// as a new run; UpsertRun's ON CONFLICT (run_id) DO UPDATE only applies
	// when a run_id repeats.
	runID := uuid.NewString()
	run := storage.Run{
		RunID:       runID,
		Hostname:    hostname,
		OutDir:      req.OutDir,
		MapSize:     req.MapSize,
		CoreVersion: req.CoreVersion,
		StartedAt:   now,
		LastSeen:    &now,
		Status:      storage.RunStatusActive,
	}

	effectiveRunID, err := s.store.UpsertRun(ctx, run)
	if err != nil {
		s.logger.Error("register: upsert run failed",
			slog.String("hostname", hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register: store: %v", err)
	}

	s.logger.Info("run registered",
		slog.String("run_id", effectiveRunID),
		slog.String("hostname", hostname),
		slog.String("core_version", req.CoreVersion),
	)

	return &triageevent.RegisterResponse{RunID: effectiveRunID}, nil
}

// StreamEvents implements triageevent.TriageEventServiceServer.StreamEvents.
//
// The method reads TriageEvent messages from the client stream until EOF or
// context cancellation. For each valid event it:
//  1. Validates required fields, timestamp bounds, and the kind enum.
//  2. Persists the event via store.BatchInsertEvents (buffered; the call
//     flushes synchronously once the batch reaches its size limit).
//  3. Publishes the event to the WebSocket broadcaster using a non-blocking
//     send so slow or disconnected clients cannot stall this goroutine.
//  4. Sends an Ack back to the core.
//
// Invalid events receive an error Ack and are not written to the database.
func (s *Service) StreamEvents(stream triageevent.TriageEventService_StreamEventsServer) error {
	ctx := stream.Context()

	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled || status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("stream_events: stream closed", slog.Any("reason", err))
				return nil
			}
			return err
		}

		rec, validationErr := s.validateAndConvert(evt)
		if validationErr != nil {
			s.logger.Warn("stream_events: invalid event rejected",
				slog.String("event_id", evt.EventID),
				slog.String("reason", validationErr.Error()),
			)
			if sendErr := stream.Send(&triageevent.Ack{Type: "ERROR", Error: validationErr.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := s.store.BatchInsertEvents(ctx, *rec); err != nil {
			s.logger.Error("stream_events: persist event failed",
				slog.String("event_id", rec.EventID),
				slog.Any("error", err),
			)
			if sendErr := stream.Send(&triageevent.Ack{Type: "ERROR", Error: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Fan the persisted event to all connected WebSocket subscribers.
		// Broadcaster.Publish uses a select/default so a stalled subscriber
		// never blocks this goroutine.
		s.broadcaster.Publish(*rec)

		s.logger.Info("triage event persisted and broadcast",
			slog.String("event_id", rec.EventID),
			slog.String("run_id", rec.RunID),
			slog.String("kind", string(rec.Kind)),
			slog.Bool("new_path", rec.NewPath),
		)

		if sendErr := stream.Send(&triageevent.Ack{Type: "ACK"}); sendErr != nil {
			return sendErr
		}
	}
}

// validateAndConvert checks that evt carries all required fields and
// converts it to a storage.TriageEvent ready for insertion.
//
// Validation rules:
//   - event_id, run_id must be non-empty.
//   - timestamp_us must be within [now - maxEventAgeSecs, now + 60s].
//   - kind must be one of the four defined triageevent.Kind values.
func (s *Service) validateAndConvert(evt *triageevent.TriageEvent) (*storage.TriageEvent, error) {
	if evt.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if evt.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	kind, err := parseKind(evt.Kind)
	if err != nil {
		return nil, err
	}

	if evt.TimestampUs == 0 {
		return nil, fmt.Errorf("timestamp_us is required")
	}
	ts := time.UnixMicro(evt.TimestampUs).UTC()
	now := time.Now().UTC()
	if ts.Before(now.Add(-time.Duration(s.maxEventAgeSecs) * time.Second)) {
		return nil, fmt.Errorf("timestamp_us %d is too old (>%ds)", evt.TimestampUs, s.maxEventAgeSecs)
	}
	if ts.After(now.Add(60 * time.Second)) {
		return nil, fmt.Errorf("timestamp_us %d is too far in the future (>60s)", evt.TimestampUs)
	}

	return &storage.TriageEvent{
		EventID:    evt.EventID,
		RunID:      evt.RunID,
		Timestamp:  ts,
		Kind:       kind,
		Path:       evt.Path,
		Tag:        int16(evt.Tag),
		NewPath:    evt.NewPath,
		Execs:      int64(evt.Execs),
		Detail:     evt.Detail,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// parseKind validates and converts the wire kind string.
func parseKind(k triageevent.Kind) (storage.EventKind, error) {
	switch k {
	case triageevent.KindNewCoverage:
		return storage.EventKindNewCoverage, nil
	case triageevent.KindCrash:
		return storage.EventKindCrash, nil
	case triageevent.KindHang:
		return storage.EventKindHang, nil
	case triageevent.KindValuationAccept:
		return storage.EventKindValuationAccept, nil
	default:
		return "", fmt.Errorf("kind %q is invalid", k)
	}
}

// certCN extracts the CommonName from the mTLS client certificate attached to
// ctx. Returns an empty string when no peer info or certificate is available.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

// CoreCNFromContext exposes certCN to callers outside this package (e.g.
// tests, or future RPC handlers that need the authenticated core identity).
func CoreCNFromContext(ctx context.Context) (string, bool) {
	cn := certCN(ctx)
	return cn, cn != ""
}

// --- mTLS listener bootstrap ---

// Config holds the mTLS listener configuration for GRPCServer.
type Config struct {
	Addr     string
	CertPath string
	KeyPath  string
	CAPath   string
}

// GRPCServer wraps a *grpc.Server bound to an mTLS listener, registering the
// TriageEventService implementation passed to New.
type GRPCServer struct {
	cfg    Config
	logger *slog.Logger
	gs     *grpc.Server
}

// New loads the server certificate and CA pool from cfg, builds an mTLS
// grpc.Server requiring and verifying client certificates, and registers
// impl as the TriageEventService handler.
func New(cfg Config, logger *slog.Logger, impl triageevent.TriageEventServiceServer) (*GRPCServer, error) {
	creds, err := buildServerCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("grpc: build server credentials: %w", err)
	}

	gs := grpc.NewServer(grpc.Creds(creds))
	triageevent.RegisterTriageEventServiceServer(gs, impl)

	return &GRPCServer{cfg: cfg, logger: logger, gs: gs}, nil
}

func buildServerCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert %q: no certificates found", cfg.CAPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// Serve opens a listener on cfg.Addr and blocks serving RPCs until ctx is
// cancelled, at which point it initiates a graceful stop.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves RPCs on lis until ctx is cancelled. It exists
// separately from Serve so that tests can supply an OS-assigned ephemeral
// listener.
func (s *GRPCServer) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates all in-flight RPCs and closes the listener.
func (s *GRPCServer) Stop() {
	s.gs.Stop()
}
