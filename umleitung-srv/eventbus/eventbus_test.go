package eventbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T, maxSize, clearSize int) (*Bus, *config.AppSettings) {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.MaxLogSize, cfg.ClearLogSize = maxSize, clearSize
	settings := config.NewAppSettings(cfg)
	return New(settings, 16), settings
}

func event(id string) *exchange.MessageEvent {
	return &exchange.MessageEvent{
		TraceID:   id,
		StartedAt: time.Now().UTC(),
		Request:   &exchange.RequestData{Method: http.MethodGet, URL: "https://example.com/" + id},
	}
}

func receive(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func TestRecordAddUpdateFinalize(t *testing.T) {
	bus, _ := newBus(t, 100, 10)
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	ev := event("a")
	require.NoError(t, bus.Record(ev))
	u := receive(t, sub)
	require.NotNil(t, u.Add)
	assert.Equal(t, "a", u.Add.TraceID)

	ev.Response = &exchange.ResponseData{StatusCode: 204}
	require.NoError(t, bus.Record(ev))
	u = receive(t, sub)
	require.NotNil(t, u.Update)
	assert.Equal(t, 204, u.Update.Response.StatusCode)

	require.NoError(t, bus.Finalize("a"))
	u = receive(t, sub)
	require.NotNil(t, u.Update)
	assert.True(t, u.Update.Finalized)

	assert.ErrorIs(t, bus.Record(ev), ErrFinalized)
	assert.NoError(t, bus.Finalize("a"), "finalizing twice is a no-op")

	got, err := bus.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.Equal(t, 1, bus.Len())

	var nf *rules.NotFoundError
	_, err = bus.Get("missing")
	assert.True(t, errors.As(err, &nf))
	assert.True(t, errors.As(bus.Finalize("missing"), &nf))
}

func TestComplete(t *testing.T) {
	bus, _ := newBus(t, 100, 10)
	ev := event("a")
	require.NoError(t, bus.Record(ev))

	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	ev.Response = &exchange.ResponseData{StatusCode: 201}
	require.NoError(t, bus.Complete(ev))
	u := receive(t, sub)
	require.NotNil(t, u.Update)
	assert.True(t, u.Update.Finalized)
	assert.Equal(t, 201, u.Update.Response.StatusCode)
	assert.False(t, ev.Finalized, "caller's event is not modified")
	assert.ErrorIs(t, bus.Complete(ev), ErrFinalized)

	inFlight := event("b")
	require.NoError(t, bus.Record(inFlight))
	_ = receive(t, sub)
	bus.Clear()
	assert.True(t, receive(t, sub).Clear)

	var nf *rules.NotFoundError
	assert.True(t, errors.As(bus.Complete(inFlight), &nf))
	assert.Equal(t, 0, bus.Len(), "cleared trace is not re-added")
	select {
	case u := <-sub.C:
		t.Fatalf("unexpected update after clear: %+v", u)
	default:
	}
}

func TestRecordStoresCopies(t *testing.T) {
	bus, _ := newBus(t, 100, 10)
	ev := event("a")
	require.NoError(t, bus.Record(ev))
	ev.Request.Method = http.MethodDelete

	got, err := bus.Get("a")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, got.Request.Method)

	got.Request.Method = http.MethodPut
	again, _ := bus.Get("a")
	assert.Equal(t, http.MethodGet, again.Request.Method)
}

func TestDeliveryOrder(t *testing.T) {
	bus, _ := newBus(t, 1000, 10)
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Record(event(fmt.Sprintf("t%d", i))))
	}
	for i := 0; i < 10; i++ {
		u := receive(t, sub)
		require.NotNil(t, u.Add)
		assert.Equal(t, fmt.Sprintf("t%d", i), u.Add.TraceID)
	}
}

func TestBatchEviction(t *testing.T) {
	bus, _ := newBus(t, 10, 4)
	evicted := 0
	bus.OnEvict(func(n int) { evicted += n })

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Record(event(fmt.Sprintf("t%d", i))))
	}
	assert.Equal(t, 10, bus.Len(), "at the limit nothing is evicted")

	require.NoError(t, bus.Record(event("t10")))
	list := bus.List()
	require.Len(t, list, 6, "maxLogSize - clearLogSize remain")
	assert.Equal(t, "t5", list[0].TraceID)
	assert.Equal(t, "t10", list[5].TraceID)
	assert.Equal(t, 5, evicted)

	_, err := bus.Get("t0")
	assert.Error(t, err)
}

func TestRetentionFollowsSettings(t *testing.T) {
	bus, settings := newBus(t, 100, 10)
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Record(event(fmt.Sprintf("t%d", i))))
	}
	_, err := settings.Update(func(c *config.AppConfig) {
		c.MaxLogSize = 10
		c.ClearLogSize = 5
	})
	require.NoError(t, err)
	assert.Equal(t, 5, bus.Len())
	assert.Equal(t, "t15", bus.List()[0].TraceID)
}

func TestClear(t *testing.T) {
	bus, _ := newBus(t, 100, 10)
	require.NoError(t, bus.Record(event("a")))

	sub := bus.Subscribe(context.Background())
	defer sub.Close()
	require.Len(t, sub.Backlog, 1)

	bus.Clear()
	u := receive(t, sub)
	assert.True(t, u.Clear)
	assert.Equal(t, 0, bus.Len())
	assert.Empty(t, bus.List())

	require.NoError(t, bus.Record(event("a")), "ids are free again after clear")
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus, _ := newBus(t, 1000, 10)
	slow := bus.Subscribe(context.Background())
	fast := bus.Subscribe(context.Background())

	var wg sync.WaitGroup
	received := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range fast.C {
			received++
			if received == 40 {
				return
			}
		}
	}()

	for i := 0; i < 40; i++ {
		require.NoError(t, bus.Record(event(fmt.Sprintf("t%d", i))))
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	fast.Close()

	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, 16, drained, "slow subscriber keeps its buffer and is then closed")
	assert.Equal(t, 40, received)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus, _ := newBus(t, 100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, bus.Subscribers())
	sub.Close()
}
