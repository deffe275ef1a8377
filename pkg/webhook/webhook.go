// Package webhook delivers terminal-transition events to an external
// endpoint. Delivery is fire-and-forget from the kernel's point of view:
// it happens outside the settlement transaction, with bounded retry and a
// dead-letter list, and a failure can never roll back a settlement. Event
// content is deterministic and re-derivable from stored state, so a lost
// delivery is always recoverable by re-query.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// Deliverer sends one event to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, ev contracts.Event) error
}

// HTTPDeliverer posts events as JSON to a fixed endpoint.
type HTTPDeliverer struct {
	url    string
	client *http.Client
}

// NewHTTPDeliverer creates a deliverer with a bounded request timeout.
func NewHTTPDeliverer(url string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, ev contracts.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// DeadLetter records an event that exhausted its delivery attempts.
type DeadLetter struct {
	Event     contracts.Event `json:"event"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
}

// Dispatcher queues events and delivers them on a single worker with
// rate limiting and exponential backoff. It implements gate.EventSink.
type Dispatcher struct {
	deliverer   Deliverer
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	log         *slog.Logger

	queue chan contracts.Event
	wg    sync.WaitGroup

	mu   sync.Mutex
	dead []DeadLetter
}

// NewDispatcher creates a dispatcher and starts its delivery worker.
func NewDispatcher(deliverer Deliverer) *Dispatcher {
	d := &Dispatcher{
		deliverer:   deliverer,
		limiter:     rate.NewLimiter(rate.Limit(50), 100),
		maxAttempts: 5,
		baseBackoff: 250 * time.Millisecond,
		log:         slog.Default(),
		queue:       make(chan contracts.Event, 1024),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// WithLimiter overrides the delivery rate limiter.
func (d *Dispatcher) WithLimiter(l *rate.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// WithRetry overrides the attempt count and base backoff.
func (d *Dispatcher) WithRetry(maxAttempts int, baseBackoff time.Duration) *Dispatcher {
	d.maxAttempts = maxAttempts
	d.baseBackoff = baseBackoff
	return d
}

// WithLogger overrides the logger.
func (d *Dispatcher) WithLogger(log *slog.Logger) *Dispatcher {
	d.log = log
	return d
}

// Emit enqueues an event for delivery. A full queue dead-letters the event
// rather than blocking the settlement path.
func (d *Dispatcher) Emit(ctx context.Context, ev contracts.Event) {
	_ = ctx
	select {
	case d.queue <- ev:
	default:
		d.bury(ev, 0, "dispatch queue full")
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

// DeadLetters returns the events that exhausted delivery, oldest first.
func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dead))
	copy(out, d.dead)
	return out
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ctx := context.Background()
	for ev := range d.queue {
		d.deliver(ctx, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev contracts.Event) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			d.bury(ev, attempt-1, err.Error())
			return
		}
		lastErr = d.deliverer.Deliver(ctx, ev)
		if lastErr == nil {
			return
		}
		d.log.Warn("webhook delivery failed",
			"event_type", ev.EventType, "gate_id", ev.GateID,
			"attempt", attempt, "error", lastErr)
		if attempt < d.maxAttempts {
			time.Sleep(d.baseBackoff << (attempt - 1))
		}
	}
	d.bury(ev, d.maxAttempts, lastErr.Error())
}

func (d *Dispatcher) bury(ev contracts.Event, attempts int, reason string) {
	d.mu.Lock()
	d.dead = append(d.dead, DeadLetter{Event: ev, Attempts: attempts, LastError: reason})
	d.mu.Unlock()
	d.log.Error("webhook dead-lettered",
		"event_type", ev.EventType, "gate_id", ev.GateID, "reason", reason)
}
