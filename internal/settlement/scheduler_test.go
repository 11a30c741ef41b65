package settlement_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingEmitter struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingEmitter) Notify(_ context.Context, _, title, _ string, _ model.Severity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingEmitter) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type env struct {
	st      *store.MemoryStore
	prices  *pricefeed.MemoryCache
	gw      *ledger.Gateway
	emitter *recordingEmitter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	em := &recordingEmitter{}
	e := newEnvWith(t, em)
	e.emitter = em
	return e
}

// newEnvWith builds an env whose gateway delivers notices to em in the
// background for the rest of the test.
func newEnvWith(t *testing.T, em notify.Emitter) *env {
	t.Helper()
	st := store.NewMemoryStore()
	gw := ledger.NewGateway(st, em, nil, quietLogger(), ledger.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &env{st: st, prices: pricefeed.NewMemoryCache(), gw: gw}
}

func (e *env) scheduler(elector settlement.Elector) *settlement.Scheduler {
	return settlement.NewScheduler(e.st, e.gw, e.prices, model.DefaultTradeSettings, elector,
		settlement.Config{TickInterval: 10 * time.Millisecond}, quietLogger())
}

func (e *env) account(t *testing.T, id, balance string) {
	t.Helper()
	require.NoError(t, e.st.CreateAccount(context.Background(), &model.Account{
		ID: id, Balance: d(balance), Status: model.AccountActive,
	}))
}

// open stakes amount on a trade that expires at expires, debiting the account
// the way trade placement does.
func (e *env) open(t *testing.T, accountID, symbol string, dir model.Direction, amount, entry string, expires time.Time) model.OpenTrade {
	t.Helper()
	tr := model.OpenTrade{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Pair:            symbol,
		Direction:       dir,
		Amount:          d(amount),
		EntryPrice:      d(entry),
		DurationSeconds: 60,
		PlacedAt:        expires.Add(-time.Minute),
		ExpiresAt:       expires,
	}
	_, err := e.gw.Apply(context.Background(), accountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Delta:        tr.Amount.Neg(),
			Reason:       model.ReasonTradeEntry,
			InsertTrades: []model.OpenTrade{tr},
		}, nil
	})
	require.NoError(t, err)
	return tr
}

func (e *env) price(t *testing.T, symbol, price string) {
	t.Helper()
	require.NoError(t, e.prices.Put(context.Background(), pricefeed.Quote{Pair: symbol, Price: d(price), ObservedAt: time.Now()}))
}

func (e *env) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := e.st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func TestTick_SettlesExpiredTrades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	past := time.Now().Add(-time.Second)

	win := e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", past)
	lose := e.open(t, "alice", "BTC/USD", model.DirectionLow, "50", "100", past.Add(time.Millisecond))
	future := e.open(t, "alice", "BTC/USD", model.DirectionHigh, "10", "100", time.Now().Add(time.Hour))
	e.price(t, "BTC/USD", "101")

	res, err := e.scheduler(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Settled)
	assert.Equal(t, 1, res.Accounts)

	// 1000 - 160 staked + 185 payout.
	assert.True(t, d("1025").Equal(e.balance(t, "alice")), "balance %s", e.balance(t, "alice"))

	open, err := e.st.ListOpenTrades(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, future.ID, open[0].ID)

	hist, err := e.st.ListTradeHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, lose.ID, hist[0].TradeID, "newest first")
	assert.Equal(t, model.OutcomeLosing, hist[0].Outcome)
	assert.Equal(t, win.ID, hist[1].TradeID)
	assert.Equal(t, model.OutcomeWinning, hist[1].Outcome)
	assert.True(t, d("185").Equal(hist[1].Payout))

	assert.Eventually(t, func() bool { return len(e.emitter.Titles()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Trades Settled"}, e.emitter.Titles())
}

// slowEmitter takes delay per notification, like a webhook that is timing out.
type slowEmitter struct{ delay time.Duration }

func (s slowEmitter) Notify(ctx context.Context, _, _, _ string, _ model.Severity) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTick_SlowNotificationsDoNotStallTick(t *testing.T) {
	e := newEnvWith(t, slowEmitter{delay: 2 * time.Second})
	ctx := context.Background()
	const accounts = 16
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("acct-%02d", i)
		e.account(t, id, "1000")
		e.open(t, id, "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	}
	e.price(t, "BTC/USD", "101")

	cfg := settlement.Config{TickTimeout: time.Second, Concurrency: 8}
	sched := settlement.NewScheduler(e.st, e.gw, e.prices, model.DefaultTradeSettings, nil, cfg, quietLogger())

	start := time.Now()
	res, err := sched.Tick(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, cfg.TickTimeout)
	assert.Equal(t, accounts, res.Settled)
	assert.Equal(t, accounts, res.Accounts)
	assert.Zero(t, res.Failed)
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("acct-%02d", i)
		assert.True(t, d("1085").Equal(e.balance(t, id)), "account %s", id)
	}
}

func TestTick_BatchesOneCommitPerAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	past := time.Now().Add(-time.Second)
	for i := 0; i < 5; i++ {
		e.open(t, "alice", "ETH/USD", model.DirectionHigh, "10", "3800", past)
	}
	e.price(t, "ETH/USD", "3900")

	before, err := e.st.GetAccount(ctx, "alice")
	require.NoError(t, err)

	res, err := e.scheduler(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Settled)

	after, err := e.st.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)
	// 950 + 5 × 18.50
	assert.True(t, d("1042.50").Equal(after.Balance), "balance %s", after.Balance)
}

func TestTick_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	e.price(t, "BTC/USD", "150")

	sched := e.scheduler(nil)
	first, err := sched.Tick(ctx)
	require.NoError(t, err)
	second, err := sched.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Settled)
	assert.Equal(t, 0, second.Settled)
	assert.True(t, d("1085").Equal(e.balance(t, "alice")))

	hist, err := e.st.ListTradeHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestTick_RacingSchedulersSettleOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		e.account(t, id, "1000")
		for i := 0; i < 3; i++ {
			e.open(t, id, "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
		}
	}
	e.price(t, "BTC/USD", "101")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.scheduler(nil).Tick(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += res.Settled
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 12, total)
	for _, id := range []string{"a", "b", "c", "d"} {
		// 700 + 3 × 185
		assert.True(t, d("1255").Equal(e.balance(t, id)), "account %s", id)
		hist, err := e.st.ListTradeHistory(ctx, id, 0)
		require.NoError(t, err)
		assert.Len(t, hist, 3)
	}
}

func TestTick_DefersWithoutPrice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	e.open(t, "alice", "SOL/USD", model.DirectionLow, "100", "145", time.Now().Add(-time.Second))
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	e.price(t, "BTC/USD", "99")

	sched := e.scheduler(nil)
	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.Deferred)

	open, err := e.st.ListOpenTrades(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SOL/USD", open[0].Pair)

	e.price(t, "SOL/USD", "140")
	res, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 0, res.Deferred)
	// 800 + 185 from the SOL LOW win; the BTC HIGH lost.
	assert.True(t, d("985").Equal(e.balance(t, "alice")))
}

// stealingApplier resolves one trade behind the scheduler's back before
// delegating, as a concurrent settler would.
type stealingApplier struct {
	gw    *ledger.Gateway
	steal string
	once  sync.Once
}

func (s *stealingApplier) Apply(ctx context.Context, accountID string, build ledger.BuildFunc) (*model.Account, error) {
	s.once.Do(func() {
		_, _ = s.gw.Apply(ctx, accountID, func(*ledger.Snapshot) (*ledger.Change, error) {
			return &ledger.Change{Reason: model.ReasonTradeSettlement, RemoveTradeIDs: []string{s.steal}}, nil
		})
	})
	return s.gw.Apply(ctx, accountID, build)
}

func TestTick_DropsTradesResolvedConcurrently(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	stolen := e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	e.price(t, "BTC/USD", "101")

	app := &stealingApplier{gw: e.gw, steal: stolen.ID}
	sched := settlement.NewScheduler(e.st, app, e.prices, model.DefaultTradeSettings, nil, settlement.Config{}, quietLogger())

	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, d("985").Equal(e.balance(t, "alice")))
}

func TestTick_SettlesBannedAccounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "1000")
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	banned := model.AccountBanned
	_, err := e.gw.Apply(ctx, "alice", func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{Reason: model.ReasonAdminAdjustment, Status: &banned}, nil
	})
	require.NoError(t, err)
	e.price(t, "BTC/USD", "200")

	res, err := e.scheduler(nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.True(t, d("1085").Equal(e.balance(t, "alice")))
}

type deniedElector struct{}

func (deniedElector) Acquire(context.Context) (func(), error) { return nil, settlement.ErrNotLeader }

func TestTick_FollowerDoesNothing(t *testing.T) {
	e := newEnv(t)
	e.account(t, "alice", "1000")
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(-time.Second))
	e.price(t, "BTC/USD", "101")

	res, err := e.scheduler(deniedElector{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
	assert.True(t, d("900").Equal(e.balance(t, "alice")))
}

func TestRun_SettlesInBackground(t *testing.T) {
	e := newEnv(t)
	e.account(t, "alice", "1000")
	e.open(t, "alice", "BTC/USD", model.DirectionHigh, "100", "100", time.Now().Add(50*time.Millisecond))
	e.price(t, "BTC/USD", "101")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.scheduler(nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		return d("1085").Equal(e.balance(t, "alice"))
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConservation_ConcurrentFlows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "alice", "10000")
	e.price(t, "BTC/USD", "100")

	sched := e.scheduler(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.open(t, "alice", "BTC/USD", model.DirectionHigh, "10", "100", time.Now().Add(-time.Millisecond))
		}()
		go func() {
			defer wg.Done()
			_, err := e.gw.ApplyDelta(ctx, "alice", d("1"), model.ReasonDeposit)
			assert.NoError(t, err)
		}()
	}
	stop := make(chan struct{})
	ticks := make(chan struct{})
	go func() {
		defer close(ticks)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = sched.Tick(ctx)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-ticks
	_, err := sched.Tick(ctx)
	require.NoError(t, err)

	// Every trade ties at 100 and loses: 10000 - 50×10 + 50×1.
	assert.True(t, d("9550").Equal(e.balance(t, "alice")), "balance %s", e.balance(t, "alice"))
	hist, err := e.st.ListTradeHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 50)
}

func TestRedisElector_SingleHolder(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	key := "settlement-test-" + uuid.NewString()
	a := settlement.NewRedisElector(rdb, key, 5*time.Second)
	b := settlement.NewRedisElector(rdb, key, 5*time.Second)

	release, err := a.Acquire(ctx)
	require.NoError(t, err)
	_, err = b.Acquire(ctx)
	require.ErrorIs(t, err, settlement.ErrNotLeader)

	release()
	release()
	releaseB, err := b.Acquire(ctx)
	require.NoError(t, err)
	releaseB()
}
