package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	delivered []contracts.Event
}

func (f *fakeDeliverer) Deliver(_ context.Context, ev contracts.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("endpoint unavailable")
	}
	f.delivered = append(f.delivered, ev)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func sampleEvent(gateID string) contracts.Event {
	return contracts.Event{
		EventType:  contracts.EventGateReleased,
		TenantID:   "tenant-a",
		GateID:     gateID,
		ReceiptID:  "rcpt-1",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversEvents(t *testing.T) {
	fake := &fakeDeliverer{}
	d := NewDispatcher(fake).WithRetry(3, time.Millisecond)

	d.Emit(context.Background(), sampleEvent("gate-1"))
	d.Emit(context.Background(), sampleEvent("gate-2"))
	d.Close()

	require.Len(t, fake.delivered, 2)
	assert.Empty(t, d.DeadLetters())
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	fake := &fakeDeliverer{failUntil: 2}
	d := NewDispatcher(fake).WithRetry(5, time.Millisecond)

	d.Emit(context.Background(), sampleEvent("gate-1"))
	d.Close()

	require.Len(t, fake.delivered, 1)
	assert.Equal(t, 3, fake.calls)
	assert.Empty(t, d.DeadLetters())
}

func TestDispatcherDeadLettersAfterExhaustion(t *testing.T) {
	fake := &fakeDeliverer{failUntil: 100}
	d := NewDispatcher(fake).WithRetry(3, time.Millisecond)

	d.Emit(context.Background(), sampleEvent("gate-1"))
	d.Close()

	dead := d.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "gate-1", dead[0].Event.GateID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "unavailable")
}

func TestDispatcherFullQueueDeadLettersInsteadOfBlocking(t *testing.T) {
	fake := &fakeDeliverer{}
	d := &Dispatcher{
		deliverer:   fake,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxAttempts: 1,
		baseBackoff: time.Millisecond,
		log:         discardLogger(),
		queue:       make(chan contracts.Event), // unbuffered, no worker
	}

	d.Emit(context.Background(), sampleEvent("gate-1"))
	dead := d.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "dispatch queue full", dead[0].LastError)
}

func TestHTTPDelivererPostsJSON(t *testing.T) {
	var got contracts.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, decodeJSON(r, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	deliverer := NewHTTPDeliverer(srv.URL, time.Second)
	err := deliverer.Deliver(context.Background(), sampleEvent("gate-9"))
	require.NoError(t, err)
	assert.Equal(t, "gate-9", got.GateID)
	assert.Equal(t, contracts.EventGateReleased, got.EventType)
}

func TestHTTPDelivererRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	deliverer := NewHTTPDeliverer(srv.URL, time.Second)
	err := deliverer.Deliver(context.Background(), sampleEvent("gate-9"))
	assert.ErrorContains(t, err, "502")
}
