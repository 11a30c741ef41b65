// Package api is the exposed boundary of the settlement engine. Every
// operation returns a Result; no internal error crosses it.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/funds"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

// Result is what every operation reports to the caller.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	status int
}

// Status is the HTTP status matching the outcome.
func (r Result) Status() int {
	if r.status != 0 {
		return r.status
	}
	if r.Success {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

func ok(msg string, data any) Result {
	return Result{Success: true, Message: msg, Data: data}
}

func created(msg string, data any) Result {
	return Result{Success: true, Message: msg, Data: data, status: http.StatusCreated}
}

// AccountView is the read model for one account.
type AccountView struct {
	Account     model.Account             `json:"account"`
	OpenTrades  []model.OpenTrade         `json:"open_trades"`
	History     []model.TradeHistoryEntry `json:"history"`
	Deposits    []model.Deposit           `json:"deposits"`
	Withdrawals []model.Withdrawal        `json:"withdrawals"`
}

// PairTracker starts price coverage for a newly added pair.
type PairTracker interface {
	Track(p model.Pair)
}

// OpenAccountRequest creates an account. An empty ID is generated.
type OpenAccountRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SettingsPatch updates trade settings. Nil fields are left unchanged; pairs
// are managed through AddPair and TogglePair.
type SettingsPatch struct {
	TradingEnabled    *bool            `json:"trading_enabled,omitempty"`
	ProfitPercentage  *decimal.Decimal `json:"profit_percentage,omitempty"`
	MinTradeAmount    *decimal.Decimal `json:"min_trade_amount,omitempty"`
	MaxTradeAmount    *decimal.Decimal `json:"max_trade_amount,omitempty"`
	DurationOptions   []int            `json:"duration_options,omitempty"`
	NewAccountBalance *decimal.Decimal `json:"new_account_balance,omitempty"`
	Currency          *string          `json:"currency,omitempty"`
}

// Service wires the ledger flows behind Result-returning operations.
type Service struct {
	store    store.Store
	gateway  trade.Applier
	trades   *trade.Manager
	funds    *funds.Service
	settings *config.SettingsStore
	tracker  PairTracker
	logger   *slog.Logger
}

// NewService creates a Service. tracker may be nil.
func NewService(st store.Store, gateway trade.Applier, trades *trade.Manager, fs *funds.Service,
	settings *config.SettingsStore, tracker PairTracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		gateway:  gateway,
		trades:   trades,
		funds:    fs,
		settings: settings,
		tracker:  tracker,
		logger:   logger.With("component", "api"),
	}
}

// fail converts err into a failed Result. notFound is used for ErrNotFound.
func (s *Service) fail(op string, err error, notFound string) Result {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return Result{Message: ve.Msg, status: http.StatusUnprocessableEntity}
	case errors.Is(err, model.ErrInsufficientFunds):
		return Result{Message: "Insufficient balance", status: http.StatusUnprocessableEntity}
	case errors.Is(err, model.ErrAlreadyProcessed):
		return Result{Message: "Already processed", status: http.StatusConflict}
	case errors.Is(err, model.ErrNotFound):
		return Result{Message: notFound, status: http.StatusNotFound}
	case errors.Is(err, model.ErrPriceUnavailable):
		return Result{Message: "Price is currently unavailable. Please try again.", status: http.StatusServiceUnavailable}
	case errors.Is(err, model.ErrConflict):
		s.logger.Warn("operation gave up after conflicts", "op", op, "err", err)
		return Result{Message: "The account is busy. Please try again.", status: http.StatusConflict}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.logger.Warn("operation timed out", "op", op, "err", err)
		return Result{Message: "The request timed out. Please try again.", status: http.StatusServiceUnavailable}
	default:
		s.logger.Error("operation failed", "op", op, "err", err)
		return Result{Message: "Something went wrong. Please try again.", status: http.StatusInternalServerError}
	}
}

// --- Trades ---

func (s *Service) PlaceTrade(ctx context.Context, req trade.PlaceRequest) Result {
	placed, err := s.trades.PlaceTrade(ctx, s.settings.Load(), req)
	if err != nil {
		return s.fail("place_trade", err, "User not found.")
	}
	return created("Trade placed successfully", placed)
}

// --- Deposits / withdrawals ---

func (s *Service) RequestDeposit(ctx context.Context, req funds.DepositRequest) Result {
	dep, err := s.funds.RequestDeposit(ctx, req)
	if err != nil {
		return s.fail("request_deposit", err, "User not found.")
	}
	return created("Deposit request submitted.", dep)
}

func (s *Service) ApproveDeposit(ctx context.Context, id string) Result {
	acct, err := s.funds.ApproveDeposit(ctx, id)
	if err != nil {
		return s.fail("approve_deposit", err, "Deposit not found")
	}
	return ok("Deposit approved.", acct)
}

func (s *Service) RejectDeposit(ctx context.Context, id string) Result {
	acct, err := s.funds.RejectDeposit(ctx, id)
	if err != nil {
		return s.fail("reject_deposit", err, "Deposit not found")
	}
	return ok("Deposit rejected.", acct)
}

func (s *Service) RequestWithdrawal(ctx context.Context, req funds.WithdrawalRequest) Result {
	w, acct, err := s.funds.RequestWithdrawal(ctx, req)
	if err != nil {
		return s.fail("request_withdrawal", err, "User not found.")
	}
	return created("Withdrawal request submitted.", map[string]any{"withdrawal": w, "account": acct})
}

func (s *Service) ApproveWithdrawal(ctx context.Context, id string) Result {
	acct, err := s.funds.ApproveWithdrawal(ctx, id)
	if err != nil {
		return s.fail("approve_withdrawal", err, "Withdrawal not found")
	}
	return ok("Withdrawal approved.", acct)
}

func (s *Service) RejectWithdrawal(ctx context.Context, id string) Result {
	acct, err := s.funds.RejectWithdrawal(ctx, id)
	if err != nil {
		return s.fail("reject_withdrawal", err, "Withdrawal not found")
	}
	return ok("Withdrawal rejected.", acct)
}

// --- Operator balance changes ---

// AdjustBalance applies a signed operator change. Trade reasons are reserved
// for the trade flows and refused here; an empty reason is AdminAdjustment.
func (s *Service) AdjustBalance(ctx context.Context, accountID string, amount decimal.Decimal, reason model.Reason) Result {
	if reason == "" {
		reason = model.ReasonAdminAdjustment
	}
	switch reason {
	case model.ReasonAdminAdjustment, model.ReasonBonus, model.ReasonDeposit, model.ReasonWithdrawal:
	default:
		return s.fail("adjust_balance", model.Invalid("Reason %s cannot be used for a manual adjustment.", reason), "")
	}
	if amount.IsZero() {
		return s.fail("adjust_balance", model.Invalid("Amount must be non-zero."), "")
	}
	if !model.WholeCents(amount) {
		return s.fail("adjust_balance", model.Invalid("Amount must have at most two decimal places."), "")
	}

	acct, err := s.gateway.Apply(ctx, accountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{Delta: amount, Reason: reason}, nil
	})
	if err != nil {
		return s.fail("adjust_balance", err, "User not found.")
	}
	s.logger.Info("balance adjusted", "account_id", accountID, "delta", amount.StringFixed(2), "reason", reason)
	return ok("Balance updated.", acct)
}

// GiveBonus credits amount and tells the holder why.
func (s *Service) GiveBonus(ctx context.Context, accountID string, amount decimal.Decimal, message string) Result {
	if !amount.IsPositive() {
		return s.fail("give_bonus", model.Invalid("Bonus amount must be positive."), "")
	}
	if !model.WholeCents(amount) {
		return s.fail("give_bonus", model.Invalid("Bonus amount must have at most two decimal places."), "")
	}
	body := strings.TrimSpace(fmt.Sprintf("You received a bonus of $%s. %s", amount.StringFixed(2), message))
	acct, err := s.gateway.Apply(ctx, accountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Delta:   amount,
			Reason:  model.ReasonBonus,
			Notices: []ledger.Notice{{Title: "Bonus Received", Body: body, Severity: model.SeveritySuccess}},
		}, nil
	})
	if err != nil {
		return s.fail("give_bonus", err, "User not found.")
	}
	return ok("Balance updated.", acct)
}

// --- Accounts ---

// OpenAccount creates an Active account funded with the configured starting
// balance.
func (s *Service) OpenAccount(ctx context.Context, req OpenAccountRequest) Result {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	acct := &model.Account{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		Balance:   s.settings.Load().NewAccountBalance,
		Status:    model.AccountActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return Result{Message: "Account already exists.", status: http.StatusConflict}
		}
		return s.fail("open_account", err, "")
	}
	s.logger.Info("account opened", "account_id", acct.ID, "balance", acct.Balance.StringFixed(2))
	return created("Account created successfully.", acct)
}

// Account returns the read model. historyLimit <= 0 returns all history.
func (s *Service) Account(ctx context.Context, accountID string, historyLimit int) Result {
	snap, err := s.store.Snapshot(ctx, accountID)
	if err != nil {
		return s.fail("account", err, "User not found.")
	}
	view := AccountView{Account: snap.Account, OpenTrades: snap.OpenTrades}
	if view.History, err = s.store.ListTradeHistory(ctx, accountID, historyLimit); err != nil {
		return s.fail("account", err, "User not found.")
	}
	if view.Deposits, err = s.store.ListDeposits(ctx, accountID); err != nil {
		return s.fail("account", err, "User not found.")
	}
	if view.Withdrawals, err = s.store.ListWithdrawals(ctx, accountID); err != nil {
		return s.fail("account", err, "User not found.")
	}
	return ok("", view)
}

func (s *Service) ListAccounts(ctx context.Context) Result {
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return s.fail("list_accounts", err, "")
	}
	return ok("", accts)
}

// ToggleAccountStatus flips Active and Banned. Deleted accounts stay deleted.
func (s *Service) ToggleAccountStatus(ctx context.Context, accountID string) Result {
	acct, err := s.gateway.Apply(ctx, accountID, func(snap *ledger.Snapshot) (*ledger.Change, error) {
		var next model.AccountStatus
		switch snap.Account.Status {
		case model.AccountActive:
			next = model.AccountBanned
		case model.AccountBanned:
			next = model.AccountActive
		default:
			return nil, model.Invalid("Account is %s.", strings.ToLower(string(snap.Account.Status)))
		}
		return &ledger.Change{Reason: model.ReasonAdminAdjustment, Status: &next}, nil
	})
	if err != nil {
		return s.fail("toggle_status", err, "User not found.")
	}
	s.logger.Info("account status changed", "account_id", accountID, "status", acct.Status)
	return ok("Status updated.", acct)
}

// DeleteAccount soft-deletes the account. Balance, history and open trades
// are kept; open trades still settle.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) Result {
	deleted := model.AccountDeleted
	acct, err := s.gateway.Apply(ctx, accountID, func(snap *ledger.Snapshot) (*ledger.Change, error) {
		if snap.Account.Status == model.AccountDeleted {
			return nil, nil
		}
		return &ledger.Change{Reason: model.ReasonAdminAdjustment, Status: &deleted}, nil
	})
	if err != nil {
		return s.fail("delete_account", err, "User not found.")
	}
	s.logger.Info("account deleted", "account_id", accountID)
	return ok("User marked as deleted.", acct)
}

// --- Settings ---

func (s *Service) TradeSettings() Result {
	return ok("", s.settings.Load())
}

func (s *Service) UpdateTradeSettings(_ context.Context, patch SettingsPatch) Result {
	next, err := s.settings.Update(func(ts *model.TradeSettings) error {
		if patch.TradingEnabled != nil {
			ts.TradingEnabled = *patch.TradingEnabled
		}
		if patch.ProfitPercentage != nil {
			ts.ProfitPercentage = *patch.ProfitPercentage
		}
		if patch.MinTradeAmount != nil {
			ts.MinTradeAmount = *patch.MinTradeAmount
		}
		if patch.MaxTradeAmount != nil {
			ts.MaxTradeAmount = *patch.MaxTradeAmount
		}
		if patch.DurationOptions != nil {
			ts.DurationOptions = append([]int(nil), patch.DurationOptions...)
		}
		if patch.NewAccountBalance != nil {
			ts.NewAccountBalance = *patch.NewAccountBalance
		}
		if patch.Currency != nil {
			ts.Currency = *patch.Currency
		}
		return nil
	})
	if err != nil {
		return s.fail("update_settings", err, "")
	}
	s.logger.Info("trade settings updated", "settings", next.String())
	return ok("Trade settings updated.", next)
}

// TogglePair enables or disables trading on a configured pair. Open trades
// on a disabled pair still settle.
func (s *Service) TogglePair(_ context.Context, symbol string) Result {
	norm := pair.Normalize(symbol)
	var enabled bool
	next, err := s.settings.Update(func(ts *model.TradeSettings) error {
		for i := range ts.Pairs {
			if pair.Normalize(ts.Pairs[i].Symbol) == norm {
				ts.Pairs[i].Enabled = !ts.Pairs[i].Enabled
				enabled = ts.Pairs[i].Enabled
				return nil
			}
		}
		return fmt.Errorf("pair %s: %w", norm, model.ErrNotFound)
	})
	if err != nil {
		return s.fail("toggle_pair", err, "Pair not found.")
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	s.logger.Info("pair toggled", "pair", norm, "enabled", enabled)
	return ok(fmt.Sprintf("Pair %s %s.", norm, state), next.Pairs)
}

// AddPair registers a new enabled pair and starts pricing it.
func (s *Service) AddPair(_ context.Context, p model.Pair) Result {
	sym, err := pair.Parse(p.Symbol)
	if err != nil {
		return s.fail("add_pair", model.Invalid("Pair symbol must look like BTC/USD."), "")
	}
	if !p.BasePrice.IsPositive() {
		return s.fail("add_pair", model.Invalid("Base price must be positive."), "")
	}
	p.Symbol = sym.Raw
	p.Enabled = true
	if p.Name == "" {
		p.Name = sym.Base
	}

	next, err := s.settings.Update(func(ts *model.TradeSettings) error {
		if _, err := pair.Lookup(ts.Pairs, p.Symbol); err == nil {
			return model.Invalid("Pair %s already exists.", p.Symbol)
		}
		ts.Pairs = append(ts.Pairs, p)
		return nil
	})
	if err != nil {
		return s.fail("add_pair", err, "")
	}
	if s.tracker != nil {
		s.tracker.Track(p)
	}
	s.logger.Info("pair added", "pair", p.Symbol, "base_price", p.BasePrice.String())
	return Result{Success: true, Message: "Pair added.", Data: next.Pairs, status: http.StatusCreated}
}

// --- Notification inbox ---

func (s *Service) ListNotifications(ctx context.Context, accountID string) Result {
	list, err := s.store.ListNotifications(ctx, accountID)
	if err != nil {
		return s.fail("list_notifications", err, "User not found.")
	}
	return ok("", list)
}

func (s *Service) MarkNotificationRead(ctx context.Context, accountID, id string) Result {
	if err := s.store.MarkNotificationRead(ctx, accountID, id); err != nil {
		return s.fail("mark_read", err, "Notification not found.")
	}
	return ok("Notification marked as read.", nil)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, accountID string) Result {
	if err := s.store.MarkAllNotificationsRead(ctx, accountID); err != nil {
		return s.fail("mark_all_read", err, "User not found.")
	}
	return ok("All notifications marked as read.", nil)
}

func (s *Service) ClearNotifications(ctx context.Context, accountID string) Result {
	if err := s.store.ClearNotifications(ctx, accountID); err != nil {
		return s.fail("clear_notifications", err, "User not found.")
	}
	return ok("Notifications cleared.", nil)
}

// --- Admin listings ---

func (s *Service) ListDeposits(ctx context.Context, accountID string) Result {
	list, err := s.store.ListDeposits(ctx, accountID)
	if err != nil {
		return s.fail("list_deposits", err, "")
	}
	return ok("", list)
}

func (s *Service) ListWithdrawals(ctx context.Context, accountID string) Result {
	list, err := s.store.ListWithdrawals(ctx, accountID)
	if err != nil {
		return s.fail("list_withdrawals", err, "")
	}
	return ok("", list)
}
