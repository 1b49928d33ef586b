// Package transport implements the gRPC transport client that streams
// TriageEvents to the dashboard. The [GRPCClient] satisfies the
// [reporter.Transport] interface and manages a persistent bidirectional
// StreamEvents connection with the following key properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     server certificate is verified against the same CA.
//   - Register: called once on each successful connection to obtain the
//     RunID that is embedded in every TriageEvent; the dashboard assigns a
//     new RunID on every Register.
//   - Exponential backoff: on any connection or stream error the client waits
//     an exponentially increasing interval (with ±25% jitter) before
//     reconnecting. The back-off ceiling defaults to 60s and is configurable
//     via [ClientConfig.MaxBackoff].
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending events from the local queue (oldest
//     first) before forwarding new live events. Each event is acked in the
//     queue only after the server sends an Ack.
//   - Metrics: [GRPCClient.EventsSentTotal] and [GRPCClient.ReconnectTotal]
//     are atomic counters incremented on successful delivery and on each
//     reconnect attempt respectively. [GRPCClient.QueueDepth] reads directly
//     from the underlying queue so reporter.HealthStatus.QueueDepth stays
//     accurate.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	triageevent "github.com/pacfix/triagecore/proto"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of events dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live TriageEvents from Send to the stream goroutine.
	liveChanCap = 256
)

// PendingEvent pairs a durable queue id with the event it wraps; it is what
// queue.EventQueue.Dequeue returns.
type PendingEvent struct {
	ID  int64
	Evt triageevent.TriageEvent
}

// DrainQueue is the subset of the local durable queue used by GRPCClient. It
// can be stubbed in unit tests.
type DrainQueue interface {
	// Dequeue returns up to n unacknowledged events in insertion order.
	Dequeue(ctx context.Context, n int) ([]PendingEvent, error)
	// Ack marks events as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) events.
	Depth() int
}

// ClientConfig holds the parameters for connecting to the triage dashboard.
type ClientConfig struct {
	// Addr is the dashboard gRPC address (e.g. "dashboard.example.com:4443").
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded client certificate.
	// Required when Insecure is false.
	CertPath string

	// KeyPath is the path to the PEM-encoded client private key.
	// Required when Insecure is false.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify the
	// dashboard server certificate. Required when Insecure is false.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of Addr is used. Ignored when Insecure is
	// true.
	ServerName string

	// Hostname identifies this triage core instance in Register. When empty
	// os.Hostname() is used.
	Hostname string

	// OutDir is the fuzzer output directory, sent in Register for display.
	OutDir string

	// MapSize is the coverage bitmap size, sent in Register.
	MapSize int

	// CoreVersion is the semantic version sent in Register.
	CoreVersion string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in production.
	Insecure bool
}

// GRPCClient is a bidirectional gRPC transport client that implements
// reporter.Transport. It is safe for concurrent use: Send may be called from
// any goroutine while the internal run loop manages the stream.
//
// Use [New] to construct a GRPCClient. Call [Start] once to begin the
// connection loop. Call [Stop] to shut down cleanly.
type GRPCClient struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	// liveCh carries triage events from Send to the run-loop goroutine.
	liveCh chan triageevent.TriageEvent

	// stopCh is closed by Stop to signal the run loop to exit.
	stopCh   chan struct{}
	stopOnce sync.Once

	// done is closed by the run loop when it exits.
	done chan struct{}

	// runID is set after the first successful Register call.
	runMu sync.RWMutex
	runID string

	// Counters.
	eventsSentTotal atomic.Int64
	reconnectTotal  atomic.Int64

	// metrics is optional; when set, run/runOnce also update it for
	// Prometheus-style scraping (see metrics.go).
	metrics *Metrics
}

// WithMetrics attaches m to c; connection attempts, registrations and
// registration errors, reconnects, the connected state, and sent events are
// recorded into m. GRPCClient does not update m's stream send/recv error
// counters.
func (c *GRPCClient) WithMetrics(m *Metrics) *GRPCClient {
	c.metrics = m
	return c
}

// New creates a new GRPCClient but does not start it. Call [Start] to begin
// the connection loop.
//
//   - cfg must have Addr set; CertPath/KeyPath/CAPath are required unless
//     cfg.Insecure is true (testing only).
//   - q is the local durable queue; it is used to drain pending events on
//     each reconnect. May be nil, in which case draining is skipped.
//   - logger is used for structured logging; pass slog.Default() when no
//     custom logger is required.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *GRPCClient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan triageevent.TriageEvent, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. It implements reporter.Transport.
func (c *GRPCClient) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// Send forwards evt to the live channel consumed by the stream goroutine. It
// implements reporter.Transport.
func (c *GRPCClient) Send(ctx context.Context, evt triageevent.TriageEvent) error {
	select {
	case c.liveCh <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: live channel full, event will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. It implements
// reporter.Transport. Calling Stop more than once is safe.
func (c *GRPCClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// EventsSentTotal returns the total number of events successfully
// acknowledged by the server since the client was created.
func (c *GRPCClient) EventsSentTotal() int64 { return c.eventsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts (connection
// losses) since the client was created.
func (c *GRPCClient) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. It returns 0 when
// no queue is configured.
func (c *GRPCClient) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// RunID returns the id assigned by the dashboard during the most recent
// successful Register call. Empty before the first successful registration.
func (c *GRPCClient) RunID() string {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	return c.runID
}

// --- internal ---

func (c *GRPCClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Add(1)
			c.metrics.Connected.Store(0)
		}
		c.logger.Warn("transport: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)

		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// runOnce performs a single connect → register → stream cycle. It returns
// nil only on a clean exit (stop/context cancellation).
func (c *GRPCClient) runOnce(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.ConnectionAttempts.Add(1)
	}
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := triageevent.NewTriageEventServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := client.Register(regCtx, &triageevent.RegisterRequest{
		Hostname:    hostname,
		OutDir:      c.cfg.OutDir,
		MapSize:     c.cfg.MapSize,
		CoreVersion: c.cfg.CoreVersion,
	})
	regCancel()
	if c.metrics != nil {
		c.metrics.Registrations.Add(1)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.RegistrationErrors.Add(1)
		}
		return fmt.Errorf("Register: %w", err)
	}

	c.runMu.Lock()
	c.runID = resp.RunID
	c.runMu.Unlock()

	if c.metrics != nil {
		c.metrics.Connected.Store(1)
	}

	c.logger.Info("transport: registered with dashboard",
		slog.String("run_id", resp.RunID),
		slog.String("dashboard_addr", c.cfg.Addr),
	)

	stream, err := client.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("transport: draining queue before live events",
			slog.Int("depth", c.queue.Depth()),
		)
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("transport: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

// drainQueue sends all pending events from the queue to the server in FIFO
// order, acking each on ACK and leaving ERROR-acked events for retry on the
// next reconnect.
func (c *GRPCClient) drainQueue(ctx context.Context, stream triageevent.TriageEventService_StreamEventsClient) error {
	runID := c.RunID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pe := range pending {
			evt := pe.Evt
			if evt.EventID == "" {
				evt.EventID = uuid.NewString()
			}
			evt.RunID = runID

			if err := stream.Send(&evt); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ack (queued): %w", err)
			}

			switch ack.Type {
			case "ACK":
				if ackErr := c.queue.Ack(ctx, []int64{pe.ID}); ackErr != nil {
					c.logger.Warn("transport: queue ack failed",
						slog.Int64("queue_id", pe.ID),
						slog.Any("error", ackErr),
					)
				} else {
					c.eventsSentTotal.Add(1)
					if c.metrics != nil {
						c.metrics.EventsSent.Add(1)
					}
					c.logger.Debug("transport: queued event delivered",
						slog.String("event_id", evt.EventID),
						slog.String("kind", string(evt.Kind)),
					)
				}
			default:
				c.logger.Warn("transport: server rejected queued event",
					slog.String("event_id", evt.EventID),
					slog.String("server_response", ack.Type),
				)
			}
		}
	}
}

// processLive forwards live events received from Send onto the gRPC stream.
// It starts a background goroutine that reads Acks and increments
// eventsSentTotal. Returns on context cancellation, stop, stream EOF, or
// send/receive error.
func (c *GRPCClient) processLive(ctx context.Context, stream triageevent.TriageEventService_StreamEventsClient) error {
	runID := c.RunID()

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if ack.Type == "ACK" {
				c.eventsSentTotal.Add(1)
				if c.metrics != nil {
					c.metrics.EventsSent.Add(1)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case evt := <-c.liveCh:
			if evt.EventID == "" {
				evt.EventID = uuid.NewString()
			}
			evt.RunID = runID
			if err := stream.Send(&evt); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing only).
func (c *GRPCClient) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}

	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)

	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// GRPCClient satisfying reporter.Transport is asserted at the wiring site in
// cmd/triaged/main.go rather than here, to avoid internal/transport
// importing internal/reporter purely for a compile-time check.
