package stock_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/inventory"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/postgres"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

type RepoSuite struct {
	suite.Suite
	ctx  context.Context
	pg   *tcpostgres.PostgresContainer
	pool *pgxpool.Pool
	repo *stock.Repo
}

func TestRepoSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container suite")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	suite.Run(t, new(RepoSuite))
}

func (s *RepoSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.pg, err = tcpostgres.Run(s.ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("stock_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)

	dsn, err := s.pg.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(dsn))

	s.pool, err = postgres.Connect(s.ctx, dsn, postgres.PoolConfig{MaxConns: 16})
	s.Require().NoError(err)
	s.repo = stock.NewRepo(s.pool, 500*time.Millisecond)
}

func (s *RepoSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pg != nil {
		_ = s.pg.Terminate(s.ctx)
	}
}

func (s *RepoSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE delivery_records, reservations, stock_items, products RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)
}

func (s *RepoSuite) seed(code string, n int) {
	s.Require().NoError(s.repo.UpsertProduct(s.ctx, stock.Product{
		Code: code, Name: code, Price: decimal.RequireFromString("25000.50"), Category: "streaming",
	}))
	items := make([]stock.Item, n)
	for i := range items {
		items[i] = stock.Item{ProductCode: code, Data: fmt.Sprintf("%s-%02d", code, i), Status: stock.ItemAvailable, Batch: "JAN"}
	}
	if n > 0 {
		got, err := s.repo.InsertItems(s.ctx, items)
		s.Require().NoError(err)
		s.Require().Equal(n, got)
	}
}

func (s *RepoSuite) TestProductsDeriveStock() {
	s.seed("PAKET-30H", 3)

	ps, err := s.repo.Products(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(ps, 1)
	s.Equal(3, ps[0].Available)
	s.True(decimal.RequireFromString("25000.50").Equal(ps[0].Price))
}

func (s *RepoSuite) TestClaimShortfallRollsBack() {
	s.seed("P", 2)

	err := s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		_, err := tx.Claim(ctx, "P", "o1", 3, time.Now())
		return err
	})
	var short *stock.InsufficientStockError
	s.Require().ErrorAs(err, &short)
	s.Equal(2, short.Available)

	c, err := s.repo.CountByStatus(s.ctx, "P")
	s.Require().NoError(err)
	s.Equal(2, c.Available)
}

func (s *RepoSuite) TestConcurrentClaimsNeverOversell() {
	s.seed("P", 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owners  = map[int64]string{}
		success int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := fmt.Sprintf("o%d", i)
			for attempt := 0; attempt < 20; attempt++ {
				var got []stock.Item
				err := s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
					var err error
					got, err = tx.Claim(ctx, "P", order, 1, time.Now())
					return err
				})
				if stock.IsRetryable(err) {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if err != nil {
					return
				}
				mu.Lock()
				success++
				for _, it := range got {
					if prev, dup := owners[it.ID]; dup {
						s.T().Errorf("item %d claimed by %s and %s", it.ID, prev, order)
					}
					owners[it.ID] = order
				}
				mu.Unlock()
				return
			}
		}(i)
	}
	wg.Wait()

	s.Equal(10, success)
	c, err := s.repo.CountByStatus(s.ctx, "P")
	s.Require().NoError(err)
	s.Equal(stock.ItemCounts{Total: 10, Reserved: 10}, c)
}

func (s *RepoSuite) TestReserveFinalizeLifecycle() {
	s.seed("P", 3)
	now := time.Now().UTC().Truncate(time.Microsecond)

	s.Require().NoError(s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		if _, err := tx.Claim(ctx, "P", "o1", 2, now); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, &stock.Reservation{
			OrderID: "o1", ProductCode: "P", Qty: 2, UserRef: "tg:42",
			Status: stock.ReservationReserved, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		})
	}))

	// Duplicate (order, product) is a conflict, and the failed unit of work leaves no trace.
	err := s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		return tx.InsertReservation(ctx, &stock.Reservation{
			OrderID: "o1", ProductCode: "P", Qty: 1, Status: stock.ReservationReserved, CreatedAt: now, ExpiresAt: now,
		})
	})
	s.True(stock.IsRetryable(err))

	var recs []stock.DeliveryRecord
	s.Require().NoError(s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		rs, err := tx.ReservationsForOrder(ctx, "o1")
		s.Require().NoError(err)
		s.Require().Len(rs, 1)

		items, err := tx.ItemsReservedFor(ctx, "o1")
		s.Require().NoError(err)
		s.Require().Len(items, 2)

		ok, err := tx.CloseReservation(ctx, rs[0].ID, stock.ReservationFinalized, "", now)
		s.Require().NoError(err)
		s.True(ok)

		n, err := tx.MarkSold(ctx, stock.IDs(items))
		s.Require().NoError(err)
		s.Equal(2, n)

		in := make([]stock.DeliveryRecord, 0, len(items))
		for _, it := range items {
			in = append(in, stock.DeliveryRecord{OrderID: "o1", ProductCode: "P", ItemID: it.ID, ItemData: it.Data, Quantity: 1})
		}
		recs, err = tx.InsertDeliveryRecords(ctx, in)
		s.Require().NoError(err)
		return tx.SetReservationTotal(ctx, "o1", decimal.RequireFromString("51000"))
	}))
	s.Len(recs, 2)

	rs, err := s.repo.Reservations(s.ctx, "o1")
	s.Require().NoError(err)
	s.Require().Len(rs, 1)
	s.Equal(stock.ReservationFinalized, rs[0].Status)
	s.True(rs[0].Total.Valid)
	s.Equal("tg:42", rs[0].UserRef)

	stored, err := s.repo.DeliveryRecords(s.ctx, "o1")
	s.Require().NoError(err)
	s.Len(stored, 2)
	for _, d := range stored {
		s.False(d.Sent)
	}

	c, err := s.repo.CountByStatus(s.ctx, "P")
	s.Require().NoError(err)
	s.Equal(stock.ItemCounts{Total: 3, Available: 1, Sold: 2}, c)

	ds, err := s.repo.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Empty(ds)
}

func (s *RepoSuite) TestCheckConstraintRejectsHalfReservedRow() {
	s.seed("P", 1)
	_, err := s.pool.Exec(s.ctx, `UPDATE stock_items SET status='reserved' WHERE id=1`)
	s.Error(err)
}

func (s *RepoSuite) TestDeleteAvailableOnly() {
	s.seed("PAKET-30H", 2)
	s.Require().NoError(s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		got, err := tx.Claim(ctx, "PAKET-30H", "o1", 1, time.Now())
		if err != nil {
			return err
		}
		_, err = tx.MarkSold(ctx, stock.IDs(got))
		return err
	}))

	n, err := s.repo.DeleteAvailable(s.ctx, []int64{1, 2})
	s.Require().NoError(err)
	s.Equal(1, n)

	left, err := s.repo.ListItems(s.ctx, stock.ItemFilter{ProductCode: "PAKET-30H"})
	s.Require().NoError(err)
	s.Require().Len(left, 1)
	s.Equal(stock.ItemSold, left[0].Status)
}

func (s *RepoSuite) TestInsertItemsUnknownProduct() {
	_, err := s.repo.InsertItems(s.ctx, []stock.Item{{ProductCode: "NOPE", Data: "x", Status: stock.ItemAvailable}})
	s.ErrorIs(err, &stock.ValidationError{Field: "product_code"})
}

func (s *RepoSuite) TestExpiredAndReconcile() {
	s.seed("P", 4)
	now := time.Now().UTC()

	s.Require().NoError(s.repo.InTx(s.ctx, func(ctx context.Context, tx stock.Tx) error {
		if _, err := tx.Claim(ctx, "P", "late", 1, now); err != nil {
			return err
		}
		if err := tx.InsertReservation(ctx, &stock.Reservation{
			OrderID: "late", ProductCode: "P", Qty: 2, Status: stock.ReservationReserved,
			CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
		}); err != nil {
			return err
		}
		_, err := tx.Claim(ctx, "P", "ghost", 1, now)
		return err
	}))

	exp, err := s.repo.ExpiredReservations(s.ctx, now, stock.ExpiryCursor{}, 10)
	s.Require().NoError(err)
	s.Require().Len(exp, 1)
	s.Equal("late", exp[0].OrderID)

	ds, err := s.repo.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal([]stock.Discrepancy{
		{Kind: stock.DiscOrphanReservedItem, OrderID: "ghost", ProductCode: "P", Expected: 0, Actual: 1},
		{Kind: stock.DiscReservedCountMismatch, OrderID: "late", ProductCode: "P", Expected: 2, Actual: 1},
	}, ds)

	rc, err := s.repo.ReservationCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(stock.ReservationCounts{Total: 1, Reserved: 1}, rc)
}

func (s *RepoSuite) engine(now func() time.Time) *inventory.Engine {
	return inventory.NewEngine(s.repo, zaptest.NewLogger(s.T()), inventory.Options{
		TTL: 15 * time.Minute, MaxRetries: 5, Backoff: 5 * time.Millisecond, Now: now,
	})
}

// race reserves qty items for each round with reserver, then runs finalize
// against closer on the same order at the same time. Exactly one side must
// take effect and the store must stay consistent.
func (s *RepoSuite) race(reserver *inventory.Engine, closer func(ctx context.Context, orderID string) bool) {
	const rounds, qty = 20, 2
	s.seed("P", rounds*qty)
	e := s.engine(nil)

	sold := 0
	for i := 0; i < rounds; i++ {
		order := fmt.Sprintf("race-%d", i)
		res, err := reserver.Reserve(s.ctx, order, "P", qty, "")
		s.Require().NoError(err)
		s.Require().Equal(inventory.MsgReserved, res.Msg)

		var (
			fin      inventory.Result
			finErr   error
			released bool
			wg       sync.WaitGroup
		)
		wg.Add(2)
		go func() { defer wg.Done(); fin, finErr = e.Finalize(s.ctx, order, decimal.Zero) }()
		go func() { defer wg.Done(); released = closer(s.ctx, order) }()
		wg.Wait()
		s.Require().NoError(finErr)

		finalized := fin.Msg == inventory.MsgFinalized
		s.Require().True(finalized != released, "order %s: finalize=%s released=%v", order, fin.Msg, released)

		recs, err := s.repo.DeliveryRecords(s.ctx, order)
		s.Require().NoError(err)
		if finalized {
			s.Len(recs, qty)
			sold += qty
		} else {
			s.Empty(recs)
			s.Equal(inventory.MsgNoReservation, fin.Msg)
		}
	}

	c, err := s.repo.CountByStatus(s.ctx, "P")
	s.Require().NoError(err)
	s.Equal(stock.ItemCounts{Total: rounds * qty, Available: rounds*qty - sold, Sold: sold}, c)

	ds, err := s.repo.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Empty(ds)
}

func (s *RepoSuite) TestFinalizeRacesRelease() {
	e := s.engine(nil)
	s.race(e, func(ctx context.Context, orderID string) bool {
		res, err := e.Release(ctx, orderID, stock.ReasonCancelled)
		s.NoError(err)
		return res.Msg == inventory.MsgReleased
	})
}

func (s *RepoSuite) TestFinalizeRacesExpirySweep() {
	// Reservations are made an hour in the past, so they are expired on arrival.
	past := s.engine(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	e := s.engine(nil)
	s.race(past, func(ctx context.Context, _ string) bool {
		n, err := e.CleanExpired(ctx)
		s.NoError(err)
		return n == 1
	})
}
