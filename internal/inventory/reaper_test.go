package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type fakeLease struct {
	grant bool
	err   error
	calls int
	ttl   time.Duration
}

func (l *fakeLease) TryAcquire(_ context.Context, ttl time.Duration) (bool, error) {
	l.calls++
	l.ttl = ttl
	return l.grant, l.err
}

func expiredOrder(t *testing.T) (*Engine, *stock.MemStore) {
	t.Helper()
	store := seed(t, map[string]int{"P": 2})
	c := newClock()
	e := newTestEngine(t, store, c)
	_, err := e.Reserve(context.Background(), "o1", "P", 2, "")
	require.NoError(t, err)
	c.Advance(20 * time.Minute)
	return e, store
}

func TestReaperTickReleasesExpired(t *testing.T) {
	e, store := expiredOrder(t)
	lease := &fakeLease{grant: true}
	r := NewReaper(e, lease, 30*time.Second, zaptest.NewLogger(t))

	n, swept := r.Tick(context.Background())
	assert.True(t, swept)
	assert.Equal(t, 1, n)
	assert.Equal(t, 27*time.Second, lease.ttl)
	assert.Equal(t, 2, counts(t, store, "P").Available)
}

func TestReaperTickSkipsWithoutLease(t *testing.T) {
	e, store := expiredOrder(t)
	r := NewReaper(e, &fakeLease{grant: false}, time.Minute, zaptest.NewLogger(t))

	n, swept := r.Tick(context.Background())
	assert.False(t, swept)
	assert.Zero(t, n)
	assert.Equal(t, 2, counts(t, store, "P").Reserved)
}

func TestReaperTickSweepsWhenLeaseBackendFails(t *testing.T) {
	e, _ := expiredOrder(t)
	r := NewReaper(e, &fakeLease{err: errors.New("redis: connection refused")}, time.Minute, zaptest.NewLogger(t))

	n, swept := r.Tick(context.Background())
	assert.True(t, swept)
	assert.Equal(t, 1, n)
}

func TestReaperStartStopsOnCancel(t *testing.T) {
	e, store := expiredOrder(t)
	r := NewReaper(e, nil, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool {
		c, err := store.CountByStatus(context.Background(), "P")
		return err == nil && c.Available == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

// poisonedStore fails every unit of work that touches one of the bad orders.
type poisonedStore struct {
	stock.Store
	bad map[string]bool
}

func (p *poisonedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx stock.Tx) error) error {
	return p.Store.InTx(ctx, func(ctx context.Context, tx stock.Tx) error {
		return fn(ctx, poisonedTx{Tx: tx, bad: p.bad})
	})
}

type poisonedTx struct {
	stock.Tx
	bad map[string]bool
}

func (t poisonedTx) ReservationsForOrder(ctx context.Context, orderID string) ([]stock.Reservation, error) {
	if t.bad[orderID] {
		return nil, errors.New("disk full")
	}
	return t.Tx.ReservationsForOrder(ctx, orderID)
}

// expireOrders reserves one item for each of n orders, a second apart, then
// moves the clock past every expiry.
func expireOrders(t *testing.T, store stock.Store, c *clock, n int) *Engine {
	t.Helper()
	e := NewEngine(store, zaptest.NewLogger(t), Options{
		TTL: 15 * time.Minute, MaxRetries: 1, Backoff: time.Millisecond, ReaperBatch: 2, Now: c.Now,
	})
	for i := 0; i < n; i++ {
		res, err := e.Reserve(context.Background(), fmt.Sprintf("o%d", i), "P", 1, "")
		require.NoError(t, err)
		require.Equal(t, MsgReserved, res.Msg)
		c.Advance(time.Second)
	}
	c.Advance(time.Hour)
	return e
}

func TestReaperTickClearsMoreThanOneBatch(t *testing.T) {
	store := seed(t, map[string]int{"P": 5})
	c := newClock()
	e := expireOrders(t, store, c, 5)
	r := NewReaper(e, nil, time.Minute, zaptest.NewLogger(t))

	n, swept := r.Tick(context.Background())
	assert.True(t, swept)
	assert.Equal(t, 5, n)
	assert.Equal(t, stock.ItemCounts{Total: 5, Available: 5}, counts(t, store, "P"))
}

func TestCleanExpiredSkipsFailingOrders(t *testing.T) {
	mem := seed(t, map[string]int{"P": 5})
	c := newClock()
	e := expireOrders(t, mem, c, 5)

	// The two oldest orders fill the first page and never release.
	e.store = &poisonedStore{Store: mem, bad: map[string]bool{"o0": true, "o1": true}}

	n, err := e.CleanExpired(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, stock.ItemCounts{Total: 5, Available: 3, Reserved: 2}, counts(t, mem, "P"))

	exp, err := mem.ExpiredReservations(context.Background(), c.Now(), stock.ExpiryCursor{}, 0)
	require.NoError(t, err)
	require.Len(t, exp, 2)
	assert.Equal(t, "o0", exp[0].OrderID)
	assert.Equal(t, "o1", exp[1].OrderID)
}
