// Package reporter forwards TriageEvents produced by the save-if-interesting
// pipeline to the dashboard over the gRPC transport, and answers /healthz.
// It plays the same role an agent orchestrator plays for host-monitoring
// watchers: where that pattern fans watcher goroutines into a queue+transport
// pair, this one fans a single channel of triage.Result-derived events into
// the same queue+transport pair, since the triage pipeline itself runs
// synchronously on the fuzzer's execution loop and has no watcher goroutines
// of its own.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	triageevent "github.com/pacfix/triagecore/proto"
)

// Queue is the interface for the local SQLite-backed event queue, satisfied
// by *queue.EventQueue (its event_queue table).
type Queue interface {
	Enqueue(ctx context.Context, evt triageevent.TriageEvent) error
	Depth() int
	Close() error
}

// Transport is the interface for the gRPC transport client that streams
// events to the dashboard server.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, evt triageevent.TriageEvent) error
	Stop()
}

// Reporter is the central orchestrator that drains the event channel,
// durably enqueues each TriageEvent, and forwards it over Transport.
type Reporter struct {
	logger    *slog.Logger
	events    <-chan triageevent.TriageEvent
	queue     Queue
	transport Transport

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Reporter construction.
type Option func(*Reporter)

// WithQueue registers the local durable event queue.
func WithQueue(q Queue) Option {
	return func(r *Reporter) { r.queue = q }
}

// WithTransport registers the gRPC transport client.
func WithTransport(t Transport) Option {
	return func(r *Reporter) { r.transport = t }
}

// New creates a Reporter that drains events from the given channel. Provide
// the queue and transport via WithQueue/WithTransport; both are optional,
// which is useful in tests that only exercise one side of the pipeline.
func New(events <-chan triageevent.TriageEvent, logger *slog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		events: events,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins draining events in a background goroutine. It returns an
// error only if already running or if the transport fails to dial.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reporter: already running")
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.transport != nil {
		if err := r.transport.Start(ctx); err != nil {
			cancel()
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return fmt.Errorf("reporter: transport failed to start: %w", err)
		}
	}

	r.wg.Add(1)
	go r.drain(ctx)

	r.logger.Info("reporter started")
	return nil
}

// Stop signals the drain loop to exit and waits for it, then stops the
// transport and closes the queue. Safe to call multiple times.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.transport != nil {
		r.transport.Stop()
	}
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			r.logger.Warn("error closing event queue", slog.Any("error", err))
		}
	}

	r.logger.Info("reporter stopped")
}

func (r *Reporter) drain(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.events:
			if !ok {
				return
			}
			r.handleEvent(ctx, evt)
		}
	}
}

func (r *Reporter) handleEvent(ctx context.Context, evt triageevent.TriageEvent) {
	r.mu.Lock()
	r.lastEventAt = time.UnixMicro(evt.TimestampUs)
	r.mu.Unlock()

	r.logger.Info("triage event",
		slog.String("kind", string(evt.Kind)),
		slog.String("path", evt.Path),
		slog.Bool("new_path", evt.NewPath),
	)

	if r.queue != nil {
		if err := r.queue.Enqueue(ctx, evt); err != nil {
			r.logger.Warn("failed to enqueue triage event", slog.Any("error", err))
		}
	}
	if r.transport != nil {
		if err := r.transport.Send(ctx, evt); err != nil {
			r.logger.Warn("failed to send triage event via transport", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current reporter state.
func (r *Reporter) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(r.startTime).Seconds(),
	}
	if r.queue != nil {
		h.QueueDepth = r.queue.Depth()
	}
	if !r.lastEventAt.IsZero() {
		h.LastEventAt = r.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with the reporter's health status as JSON.
func (r *Reporter) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	h := r.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		r.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
