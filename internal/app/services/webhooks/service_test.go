package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/webhook"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

type capture struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
	status  atomic.Int32
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.headers = append(c.headers, r.Header.Clone())
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	w.WriteHeader(int(c.status.Load()))
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newServer(t *testing.T, status int) (*capture, *httptest.Server) {
	t.Helper()
	c := &capture{}
	c.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	t.Cleanup(srv.Close)
	return c, srv
}

func event(topic string, payload any) events.Event {
	body, _ := json.Marshal(payload)
	return events.Event{ID: "evt-1", Topic: topic, Payload: body, At: time.Now().UTC()}
}

func TestCreateValidation(t *testing.T) {
	svc := New(memory.NewStore(), nil, Config{}, logger.NewNop())
	ctx := context.Background()

	bad := []CreateRequest{
		{Owner: "o", URL: "ftp://x", Events: []string{"*"}},
		{Owner: "o", URL: "https://x", Events: nil},
		{URL: "https://x", Events: []string{"*"}},
		{Owner: "o", URL: "https://x", Events: []string{"*"}, Kind: "connector", System: "erp"},
		{Owner: "o", URL: "https://x", Events: []string{"*"}, Kind: "connector", System: "mainframe", BearerToken: "t"},
	}
	for _, req := range bad {
		_, err := svc.Create(ctx, req)
		assert.Error(t, err, "%+v", req)
	}

	sub, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: "https://example.com/hook", Events: []string{"device.*", "device.*", " "}})
	require.NoError(t, err)
	assert.Equal(t, domain.KindWebhook, sub.Kind)
	assert.Len(t, sub.Secret, 64)
	assert.Equal(t, []string{"device.*"}, sub.Events)
	assert.True(t, sub.Active)
}

func TestHandleEventSignsAndDelivers(t *testing.T) {
	c, srv := newServer(t, http.StatusOK)
	svc := New(memory.NewStore(), srv.Client(), Config{}, logger.NewNop())
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: srv.URL, Events: []string{"device.*"}, Secret: "s3cret"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Owner: "o", URL: srv.URL, Events: []string{"block.produced"}})
	require.NoError(t, err)

	n, err := svc.HandleEvent(ctx, event("device.alert", map[string]any{"device_id": "d1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, c.count())

	h := c.headers[0]
	assert.Equal(t, "device.alert", h.Get(HeaderEvent))
	assert.NotEmpty(t, h.Get(HeaderDelivery))
	assert.True(t, VerifySignature("s3cret", c.bodies[0], h.Get(HeaderSignature)))
	assert.False(t, VerifySignature("other", c.bodies[0], h.Get(HeaderSignature)))

	deliveries, err := svc.Deliveries(ctx, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.DeliveryDelivered, deliveries[0].Status)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.NotNil(t, deliveries[0].DeliveredAt)
}

func TestFiltersAndConnectors(t *testing.T) {
	c, srv := newServer(t, http.StatusAccepted)
	svc := New(memory.NewStore(), srv.Client(), Config{}, logger.NewNop())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{
		Owner:       "o",
		URL:         srv.URL,
		Events:      []string{"*"},
		Kind:        "connector",
		System:      "erp",
		BearerToken: "erp-token",
		Filters:     map[string]string{"device.type": "sensor"},
	})
	require.NoError(t, err)

	n, err := svc.HandleEvent(ctx, event("device.registered", map[string]any{"device": map[string]any{"type": "camera"}}))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.HandleEvent(ctx, event("device.registered", map[string]any{"device": map[string]any{"type": "sensor"}}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, c.count())
	assert.Equal(t, "Bearer erp-token", c.headers[0].Get("Authorization"))
}

func TestRetryBackoffAndFailure(t *testing.T) {
	c, srv := newServer(t, http.StatusInternalServerError)
	svc := New(memory.NewStore(), srv.Client(), Config{}, logger.NewNop())
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	_, err = svc.HandleEvent(ctx, event("block.produced", map[string]any{"height": 1}))
	require.NoError(t, err)

	deliveries, _ := svc.Deliveries(ctx, sub.ID, 0)
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.Equal(t, domain.DeliveryPending, d.Status)
	assert.Equal(t, 500, d.LastStatusCode)
	require.NotNil(t, d.NextAttemptAt)
	assert.Equal(t, now.Add(time.Minute), *d.NextAttemptAt)

	retried, err := svc.RetryDue(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, retried)

	for i := range Backoff {
		now = d.NextAttemptAt.Add(time.Second)
		retried, err = svc.RetryDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, retried, "retry %d", i)
		deliveries, _ = svc.Deliveries(ctx, sub.ID, 0)
		d = deliveries[0]
		if i < len(Backoff)-1 {
			require.NotNil(t, d.NextAttemptAt)
			assert.Equal(t, now.Add(Backoff[i+1]), *d.NextAttemptAt)
		}
	}
	assert.Equal(t, domain.DeliveryFailed, d.Status)
	assert.Equal(t, len(Backoff)+1, d.Attempts)
	assert.Nil(t, d.NextAttemptAt)
	assert.Equal(t, len(Backoff)+1, c.count())

	// recovered endpoint: new events are delivered
	c.status.Store(http.StatusOK)
	tested, err := svc.Test(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, tested.Status)
	assert.Equal(t, TestTopic, tested.Topic)
}

type ownerAudience map[string]string

// Visible lets owner see events whose payload user_id maps to them.
func (a ownerAudience) Visible(_ context.Context, owner string, evt events.Event) bool {
	var payload struct {
		UserID string `json:"user_id"`
	}
	_ = json.Unmarshal(evt.Payload, &payload)
	return a[payload.UserID] == owner
}

func TestHandleEventRespectsAudience(t *testing.T) {
	aliceHook, aliceSrv := newServer(t, http.StatusOK)
	bobHook, bobSrv := newServer(t, http.StatusOK)
	svc := New(memory.NewStore(), nil, Config{}, logger.NewNop())
	svc.AttachAudience(ownerAudience{"u-alice": "alice", "u-bob": "bob"})
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Owner: "alice", URL: aliceSrv.URL, Events: []string{"*"}})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Owner: "bob", URL: bobSrv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	n, err := svc.HandleEvent(ctx, event("security.login", map[string]any{"user_id": "u-alice"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, aliceHook.count())
	assert.Zero(t, bobHook.count())
}

func TestInlineDeliveryIsNotRetriedConcurrently(t *testing.T) {
	var received atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := New(memory.NewStore(), srv.Client(), Config{}, logger.NewNop())
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: srv.URL, Events: []string{"*"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.HandleEvent(ctx, event("block.produced", map[string]any{"height": 1}))
		done <- err
	}()
	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)

	retried, err := svc.RetryDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, retried)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), received.Load())
}

func TestUpdateAndDelete(t *testing.T) {
	svc := New(memory.NewStore(), nil, Config{}, logger.NewNop())
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: "https://example.com", Events: []string{"*"}})
	require.NoError(t, err)

	off := false
	bad := "not a url"
	_, err = svc.Update(ctx, sub.ID, UpdateRequest{URL: &bad})
	require.Error(t, err)

	updated, err := svc.Update(ctx, sub.ID, UpdateRequest{Active: &off, Events: []string{"token.*"}})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, []string{"token.*"}, updated.Events)

	n, err := svc.HandleEvent(ctx, event("token.minted", map[string]any{}))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, svc.Delete(ctx, sub.ID))
	list, err := svc.List(ctx, "o")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDispatcherForwardsBusEvents(t *testing.T) {
	c, srv := newServer(t, http.StatusOK)
	svc := New(memory.NewStore(), srv.Client(), Config{}, logger.NewNop())
	bus := events.NewBus(logger.NewNop())
	defer bus.Close()
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Owner: "o", URL: srv.URL, Events: []string{"governance.*"}})
	require.NoError(t, err)

	d := NewDispatcher(svc, bus, logger.NewNop())
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	require.NoError(t, bus.Publish(ctx, "governance.vote_cast", map[string]any{"voter": "a"}))
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
