package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/funds"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingTracker struct {
	mu    sync.Mutex
	pairs []string
}

func (r *recordingTracker) Track(p model.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, p.Symbol)
}

type testEnv struct {
	ms      *store.MemoryStore
	tracker *recordingTracker
	router  chi.Router
}

// newTestEnv wires the full service on an in-memory store behind the router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemoryStore()

	prices := pricefeed.NewMemoryCache()
	if err := prices.Put(context.Background(), pricefeed.Quote{Pair: "BTC/USD", Price: d("66535.50"), ObservedAt: time.Now()}); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	notifier := notify.NewNotifier([]notify.Sender{notify.NewInboxSender(ms)}, logger)
	gw := ledger.NewGateway(ms, notifier, nil, logger, ledger.DefaultConfig())
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
	mgr := trade.NewManager(gw, ms, prices, nil, logger)
	fs := funds.NewService(gw, ms, logger)
	settings := config.NewSettingsStore(model.DefaultTradeSettings())
	tracker := &recordingTracker{}

	svc := api.NewService(ms, gw, mgr, fs, settings, tracker, logger)
	router := api.NewRouter(api.RouterConfig{Service: svc})
	return &testEnv{ms: ms, tracker: tracker, router: router}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var res response
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w.Code, res
}

func (e *testEnv) openAccount(t *testing.T, id string) {
	t.Helper()
	code, res := e.do(t, "POST", "/api/v1/accounts", api.OpenAccountRequest{ID: id, Name: "Test"})
	if code != http.StatusCreated || !res.Success {
		t.Fatalf("open account: %d %+v", code, res)
	}
}

func (e *testEnv) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := e.ms.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance
}

// waitInbox polls the inbox until it holds n notifications.
func (e *testEnv) waitInbox(t *testing.T, id string, n int) []model.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := e.ms.ListNotifications(context.Background(), id)
		if err != nil {
			t.Fatalf("list notifications: %v", err)
		}
		if len(list) >= n || time.Now().After(deadline) {
			return list
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func placeBody(amount string) trade.PlaceRequest {
	return trade.PlaceRequest{
		AccountID:       "alice",
		Pair:            "BTC/USD",
		Direction:       model.DirectionHigh,
		Amount:          d(amount),
		DurationSeconds: 60,
	}
}

// --- Accounts ---

func TestOpenAccount_UsesConfiguredBalance(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	if got := env.balance(t, "alice"); !got.Equal(d("500")) {
		t.Errorf("balance = %s, want 500", got)
	}

	code, res := env.do(t, "POST", "/api/v1/accounts", api.OpenAccountRequest{ID: "alice"})
	if code != http.StatusConflict || res.Success {
		t.Errorf("duplicate account: got %d %+v", code, res)
	}
}

func TestAccountView(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")
	if code, _ := env.do(t, "POST", "/api/v1/trades", placeBody("100")); code != http.StatusCreated {
		t.Fatalf("place trade: %d", code)
	}

	code, res := env.do(t, "GET", "/api/v1/accounts/alice?history=10", nil)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("account view: %d %+v", code, res)
	}
	var view api.AccountView
	if err := json.Unmarshal(res.Data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if !view.Account.Balance.Equal(d("400")) {
		t.Errorf("balance = %s, want 400", view.Account.Balance)
	}
	if len(view.OpenTrades) != 1 {
		t.Errorf("open trades = %d, want 1", len(view.OpenTrades))
	}

	code, res = env.do(t, "GET", "/api/v1/accounts/ghost", nil)
	if code != http.StatusNotFound || res.Message != "User not found." {
		t.Errorf("unknown account: got %d %q", code, res.Message)
	}
}

func TestToggleAndDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/accounts/alice/status/toggle", nil)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("ban: %d %+v", code, res)
	}
	code, res = env.do(t, "POST", "/api/v1/trades", placeBody("50"))
	if code != http.StatusUnprocessableEntity || res.Message != "Account is banned." {
		t.Errorf("banned trade: got %d %q", code, res.Message)
	}

	env.do(t, "POST", "/api/v1/accounts/alice/status/toggle", nil)
	code, res = env.do(t, "DELETE", "/api/v1/accounts/alice", nil)
	if code != http.StatusOK || res.Message != "User marked as deleted." {
		t.Fatalf("delete: %d %+v", code, res)
	}

	a, err := env.ms.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("soft-deleted account must remain readable: %v", err)
	}
	if a.Status != model.AccountDeleted {
		t.Errorf("status = %s, want Deleted", a.Status)
	}
	if !a.Balance.Equal(d("500")) {
		t.Errorf("delete must not touch balance, got %s", a.Balance)
	}

	code, _ = env.do(t, "POST", "/api/v1/accounts/alice/status/toggle", nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("toggling a deleted account: got %d", code)
	}
}

// --- Trades ---

func TestPlaceTrade(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/trades", placeBody("100"))
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, res)
	}
	if res.Message != "Trade placed successfully" {
		t.Errorf("message = %q", res.Message)
	}
	var placed trade.Placement
	if err := json.Unmarshal(res.Data, &placed); err != nil {
		t.Fatalf("decode placement: %v", err)
	}
	if !placed.Trade.EntryPrice.Equal(d("66535.50")) {
		t.Errorf("entry price = %s", placed.Trade.EntryPrice)
	}
	if !env.balance(t, "alice").Equal(d("400")) {
		t.Errorf("balance = %s, want 400", env.balance(t, "alice"))
	}
}

func TestPlaceTrade_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  trade.PlaceRequest
		code int
		msg  string
	}{
		{"insufficient", placeBody("600"), http.StatusUnprocessableEntity, "Insufficient balance"},
		{"below minimum", placeBody("5"), http.StatusUnprocessableEntity, "Trade amount must be between 10.00 and 5000.00."},
		{"fraction of a cent", placeBody("20.001"), http.StatusUnprocessableEntity, "Trade amount must have at most two decimal places."},
		{"no price", trade.PlaceRequest{AccountID: "alice", Pair: "ETH/USD", Direction: model.DirectionLow, Amount: d("20"), DurationSeconds: 60},
			http.StatusServiceUnavailable, "Price is currently unavailable. Please try again."},
		{"unknown account", trade.PlaceRequest{AccountID: "ghost", Pair: "BTC/USD", Direction: model.DirectionLow, Amount: d("20"), DurationSeconds: 60},
			http.StatusNotFound, "User not found."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.openAccount(t, "alice")

			code, res := env.do(t, "POST", "/api/v1/trades", tt.req)
			if code != tt.code || res.Success || res.Message != tt.msg {
				t.Errorf("got %d %q, want %d %q", code, res.Message, tt.code, tt.msg)
			}
			if !env.balance(t, "alice").Equal(d("500")) {
				t.Errorf("rejected trade moved funds: %s", env.balance(t, "alice"))
			}
		})
	}
}

func TestPlaceTrade_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/trades", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Deposits / withdrawals ---

func TestDepositFlow(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/deposits", funds.DepositRequest{AccountID: "alice", Amount: d("250"), Gateway: "bank"})
	if code != http.StatusCreated || res.Message != "Deposit request submitted." {
		t.Fatalf("request deposit: %d %+v", code, res)
	}
	var dep model.Deposit
	if err := json.Unmarshal(res.Data, &dep); err != nil {
		t.Fatalf("decode deposit: %v", err)
	}

	code, res = env.do(t, "POST", "/api/v1/deposits/"+dep.ID+"/approve", nil)
	if code != http.StatusOK || res.Message != "Deposit approved." {
		t.Fatalf("approve: %d %+v", code, res)
	}
	code, res = env.do(t, "POST", "/api/v1/deposits/"+dep.ID+"/approve", nil)
	if code != http.StatusConflict || res.Message != "Already processed" {
		t.Errorf("second approve: %d %q", code, res.Message)
	}
	if !env.balance(t, "alice").Equal(d("750")) {
		t.Errorf("balance = %s, want 750", env.balance(t, "alice"))
	}

	code, res = env.do(t, "POST", "/api/v1/deposits/dep-missing/reject", nil)
	if code != http.StatusNotFound || res.Message != "Deposit not found" {
		t.Errorf("missing deposit: %d %q", code, res.Message)
	}

	code, res = env.do(t, "GET", "/api/v1/deposits?account_id=alice", nil)
	var list []model.Deposit
	if err := json.Unmarshal(res.Data, &list); err != nil || code != http.StatusOK {
		t.Fatalf("list deposits: %d %v", code, err)
	}
	if len(list) != 1 || list[0].Status != model.StatusSuccessful {
		t.Errorf("deposits = %+v", list)
	}
}

func TestWithdrawalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/withdrawals", funds.WithdrawalRequest{AccountID: "alice", Amount: d("600")})
	if code != http.StatusUnprocessableEntity || res.Message != "Insufficient balance" {
		t.Errorf("overdrawing withdrawal: %d %q", code, res.Message)
	}

	code, res = env.do(t, "POST", "/api/v1/withdrawals", funds.WithdrawalRequest{AccountID: "alice", Amount: d("200"), Method: "bank"})
	if code != http.StatusCreated || res.Message != "Withdrawal request submitted." {
		t.Fatalf("request withdrawal: %d %+v", code, res)
	}
	var body struct {
		Withdrawal model.Withdrawal `json:"withdrawal"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		t.Fatalf("decode withdrawal: %v", err)
	}
	if !env.balance(t, "alice").Equal(d("300")) {
		t.Errorf("funds must be reserved at request, balance = %s", env.balance(t, "alice"))
	}

	code, res = env.do(t, "POST", "/api/v1/withdrawals/"+body.Withdrawal.ID+"/reject", nil)
	if code != http.StatusOK || res.Message != "Withdrawal rejected." {
		t.Fatalf("reject: %d %+v", code, res)
	}
	if !env.balance(t, "alice").Equal(d("500")) {
		t.Errorf("reject must refund, balance = %s", env.balance(t, "alice"))
	}

	code, res = env.do(t, "POST", "/api/v1/withdrawals/with-missing/approve", nil)
	if code != http.StatusNotFound || res.Message != "Withdrawal not found" {
		t.Errorf("missing withdrawal: %d %q", code, res.Message)
	}
}

// --- Operator balance changes ---

func TestAdjustBalance(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/accounts/alice/adjust", api.AdjustRequest{Amount: d("25.50")})
	if code != http.StatusOK || res.Message != "Balance updated." {
		t.Fatalf("adjust: %d %+v", code, res)
	}
	if !env.balance(t, "alice").Equal(d("525.50")) {
		t.Errorf("balance = %s", env.balance(t, "alice"))
	}

	code, _ = env.do(t, "POST", "/api/v1/accounts/alice/adjust", api.AdjustRequest{Amount: d("10"), Reason: model.ReasonTradeSettlement})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("trade reasons are reserved, got %d", code)
	}
	code, _ = env.do(t, "POST", "/api/v1/accounts/alice/adjust", api.AdjustRequest{Amount: decimal.Zero})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("zero adjustment, got %d", code)
	}
	code, res = env.do(t, "POST", "/api/v1/accounts/alice/adjust", api.AdjustRequest{Amount: d("0.001")})
	if code != http.StatusUnprocessableEntity || res.Message != "Amount must have at most two decimal places." {
		t.Errorf("fraction of a cent: %d %q", code, res.Message)
	}
	if !env.balance(t, "alice").Equal(d("525.50")) {
		t.Errorf("balance after rejected adjustments = %s", env.balance(t, "alice"))
	}
	code, res = env.do(t, "POST", "/api/v1/accounts/ghost/adjust", api.AdjustRequest{Amount: d("1")})
	if code != http.StatusNotFound || res.Message != "User not found." {
		t.Errorf("unknown account: %d %q", code, res.Message)
	}
}

func TestGiveBonus_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	cases := []struct {
		name   string
		amount string
	}{
		{"zero", "0"},
		{"negative", "-5"},
		{"fraction of a cent", "10.005"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := env.do(t, "POST", "/api/v1/accounts/alice/bonus", api.BonusRequest{Amount: d(tc.amount)})
			if code != http.StatusUnprocessableEntity {
				t.Errorf("bonus %s: got %d, want 422", tc.amount, code)
			}
		})
	}
	if !env.balance(t, "alice").Equal(d("500")) {
		t.Errorf("balance = %s, want 500", env.balance(t, "alice"))
	}
}

func TestGiveBonus_NotifiesHolder(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/accounts/alice/bonus", api.BonusRequest{Amount: d("20"), Message: "Welcome aboard!"})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("bonus: %d %+v", code, res)
	}
	if !env.balance(t, "alice").Equal(d("520")) {
		t.Errorf("balance = %s, want 520", env.balance(t, "alice"))
	}

	env.waitInbox(t, "alice", 1)
	_, res = env.do(t, "GET", "/api/v1/accounts/alice/notifications", nil)
	var inbox []model.Notification
	if err := json.Unmarshal(res.Data, &inbox); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("inbox = %+v, want 1 message", inbox)
	}
	if inbox[0].Title != "Bonus Received" || inbox[0].Body != "You received a bonus of $20.00. Welcome aboard!" {
		t.Errorf("notification = %q / %q", inbox[0].Title, inbox[0].Body)
	}

	code, _ = env.do(t, "POST", "/api/v1/accounts/alice/notifications/"+inbox[0].ID+"/read", nil)
	if code != http.StatusOK {
		t.Errorf("mark read: %d", code)
	}
	code, _ = env.do(t, "DELETE", "/api/v1/accounts/alice/notifications", nil)
	if code != http.StatusOK {
		t.Errorf("clear: %d", code)
	}
	_, res = env.do(t, "GET", "/api/v1/accounts/alice/notifications", nil)
	inbox = nil
	_ = json.Unmarshal(res.Data, &inbox)
	if len(inbox) != 0 {
		t.Errorf("inbox not cleared: %+v", inbox)
	}
}

// --- Settings and pairs ---

func TestTogglePair_BlocksNewTrades(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	code, res := env.do(t, "POST", "/api/v1/pairs/toggle", api.TogglePairRequest{Symbol: "btc/usd"})
	if code != http.StatusOK || res.Message != "Pair BTC/USD disabled." {
		t.Fatalf("toggle: %d %+v", code, res)
	}
	code, res = env.do(t, "POST", "/api/v1/trades", placeBody("50"))
	if code != http.StatusUnprocessableEntity || res.Message != "Pair BTC/USD is not available for trading." {
		t.Errorf("disabled pair: %d %q", code, res.Message)
	}

	code, _ = env.do(t, "POST", "/api/v1/pairs/toggle", api.TogglePairRequest{Symbol: "NOPE/USD"})
	if code != http.StatusNotFound {
		t.Errorf("unknown pair: %d", code)
	}
}

func TestAddPair_TracksPrice(t *testing.T) {
	env := newTestEnv(t)

	code, res := env.do(t, "POST", "/api/v1/pairs", model.Pair{Symbol: "doge/usd", BasePrice: d("0.12")})
	if code != http.StatusCreated || !res.Success {
		t.Fatalf("add pair: %d %+v", code, res)
	}
	if len(env.tracker.pairs) != 1 || env.tracker.pairs[0] != "DOGE/USD" {
		t.Errorf("tracked = %v", env.tracker.pairs)
	}

	code, _ = env.do(t, "POST", "/api/v1/pairs", model.Pair{Symbol: "DOGE/USD", BasePrice: d("0.12")})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("duplicate pair: %d", code)
	}
	code, _ = env.do(t, "POST", "/api/v1/pairs", model.Pair{Symbol: "DOGEUSD", BasePrice: d("0.12")})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("malformed symbol: %d", code)
	}
}

func TestUpdateTradeSettings(t *testing.T) {
	env := newTestEnv(t)
	env.openAccount(t, "alice")

	disabled := false
	code, res := env.do(t, "PUT", "/api/v1/settings/trade", api.SettingsPatch{TradingEnabled: &disabled})
	if code != http.StatusOK || !res.Success {
		t.Fatalf("update: %d %+v", code, res)
	}
	code, res = env.do(t, "POST", "/api/v1/trades", placeBody("50"))
	if code != http.StatusUnprocessableEntity || res.Message != "Trading is currently disabled." {
		t.Errorf("trading disabled: %d %q", code, res.Message)
	}

	low := d("1")
	code, res = env.do(t, "PUT", "/api/v1/settings/trade", api.SettingsPatch{MaxTradeAmount: &low})
	if code != http.StatusUnprocessableEntity || res.Success {
		t.Errorf("invalid settings accepted: %d %+v", code, res)
	}

	_, res = env.do(t, "GET", "/api/v1/settings/trade", nil)
	var current model.TradeSettings
	if err := json.Unmarshal(res.Data, &current); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if current.TradingEnabled || !current.MaxTradeAmount.Equal(d("5000")) {
		t.Errorf("settings = %+v", current)
	}
}

// --- Middleware ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
}

func TestRateLimiter_RejectsBurst(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := api.NewIPRateLimiter(1, 2, logger)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	other := httptest.NewRequest("GET", "/", nil)
	other.RemoteAddr = "198.51.100.1:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Errorf("separate IPs share a bucket: %d", w.Code)
	}
}
