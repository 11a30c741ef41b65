// Package funds implements the deposit and withdrawal state machines.
//
// Both records move Pending → Successful or Pending → Cancelled, and terminal
// states are final. A deposit changes the balance only on approval. A
// withdrawal takes the funds at request time and gives them back on
// rejection; the refund and the Cancelled status commit together.
package funds

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

// Records is the read side the flows need.
type Records interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	CreateDeposit(ctx context.Context, dep *model.Deposit) error
	GetDeposit(ctx context.Context, id string) (*model.Deposit, error)
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
}

// DepositRequest asks for funds to be credited once an operator confirms them.
type DepositRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Gateway   string          `json:"gateway"`
}

// WithdrawalRequest asks for funds to be paid out.
type WithdrawalRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Details   string          `json:"details"`
}

// Service runs the flows through the ledger gateway.
type Service struct {
	gateway trade.Applier
	records Records
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(gateway trade.Applier, records Records, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway: gateway,
		records: records,
		now:     time.Now,
		logger:  logger.With("component", "funds"),
	}
}

// RequestDeposit records a Pending deposit. The balance is untouched.
func (s *Service) RequestDeposit(ctx context.Context, req DepositRequest) (*model.Deposit, error) {
	if !req.Amount.IsPositive() {
		return nil, model.Invalid("Deposit amount must be positive.")
	}
	if !model.WholeCents(req.Amount) {
		return nil, model.Invalid("Deposit amount must have at most two decimal places.")
	}
	if _, err := s.records.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}
	dep := &model.Deposit{
		ID:          "dep-" + uuid.NewString(),
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Gateway:     strings.TrimSpace(req.Gateway),
		Status:      model.StatusPending,
		InitiatedAt: s.now().UTC(),
	}
	if err := s.records.CreateDeposit(ctx, dep); err != nil {
		return nil, err
	}
	s.logger.Info("deposit requested", "account_id", dep.AccountID, "deposit_id", dep.ID, "amount", dep.Amount.StringFixed(2))
	return dep, nil
}

// ApproveDeposit credits the deposit and marks it Successful in one commit.
func (s *Service) ApproveDeposit(ctx context.Context, depositID string) (*model.Account, error) {
	dep, err := s.records.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if dep.Status.Terminal() {
		return nil, alreadyProcessed("deposit", dep.ID, dep.Status)
	}
	at := s.now().UTC()
	acct, err := s.gateway.Apply(ctx, dep.AccountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Delta:             dep.Amount,
			Reason:            model.ReasonDeposit,
			DepositTransition: &store.Transition{ID: dep.ID, To: model.StatusSuccessful, At: at},
			Notices: []ledger.Notice{{
				Title:    "Deposit Approved",
				Body:     fmt.Sprintf("Your deposit of $%s is approved.", dep.Amount.StringFixed(2)),
				Severity: model.SeveritySuccess,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit approved", "account_id", dep.AccountID, "deposit_id", dep.ID)
	return acct, nil
}

// RejectDeposit marks the deposit Cancelled. No funds were ever held.
func (s *Service) RejectDeposit(ctx context.Context, depositID string) (*model.Account, error) {
	dep, err := s.records.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if dep.Status.Terminal() {
		return nil, alreadyProcessed("deposit", dep.ID, dep.Status)
	}
	at := s.now().UTC()
	acct, err := s.gateway.Apply(ctx, dep.AccountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Reason:            model.ReasonDeposit,
			DepositTransition: &store.Transition{ID: dep.ID, To: model.StatusCancelled, At: at},
			Notices: []ledger.Notice{{
				Title:    "Deposit Rejected",
				Body:     "Your deposit was rejected.",
				Severity: model.SeverityError,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit rejected", "account_id", dep.AccountID, "deposit_id", dep.ID)
	return acct, nil
}

// RequestWithdrawal debits the amount and records a Pending withdrawal in
// one commit. Banned and deleted accounts cannot withdraw.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.Withdrawal, *model.Account, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, model.Invalid("Withdrawal amount must be positive.")
	}
	if !model.WholeCents(req.Amount) {
		return nil, nil, model.Invalid("Withdrawal amount must have at most two decimal places.")
	}
	w := &model.Withdrawal{
		ID:          "with-" + uuid.NewString(),
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Method:      strings.TrimSpace(req.Method),
		Details:     strings.TrimSpace(req.Details),
		Status:      model.StatusPending,
		InitiatedAt: s.now().UTC(),
	}
	acct, err := s.gateway.Apply(ctx, req.AccountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Delta:            w.Amount.Neg(),
			Reason:           model.ReasonWithdrawal,
			InsertWithdrawal: w,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("withdrawal requested", "account_id", w.AccountID, "withdrawal_id", w.ID, "amount", w.Amount.StringFixed(2))
	return w, acct, nil
}

// ApproveWithdrawal marks the withdrawal Successful. The funds already left
// the balance at request time.
func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID string) (*model.Account, error) {
	w, err := s.records.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, alreadyProcessed("withdrawal", w.ID, w.Status)
	}
	at := s.now().UTC()
	acct, err := s.gateway.Apply(ctx, w.AccountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Reason:               model.ReasonWithdrawal,
			WithdrawalTransition: &store.Transition{ID: w.ID, To: model.StatusSuccessful, At: at},
			Notices: []ledger.Notice{{
				Title:    "Withdrawal Approved",
				Body:     "Your withdrawal is processed.",
				Severity: model.SeveritySuccess,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal approved", "account_id", w.AccountID, "withdrawal_id", w.ID)
	return acct, nil
}

// RejectWithdrawal refunds the reserved amount and marks the withdrawal
// Cancelled in one commit.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID string) (*model.Account, error) {
	w, err := s.records.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, alreadyProcessed("withdrawal", w.ID, w.Status)
	}
	at := s.now().UTC()
	acct, err := s.gateway.Apply(ctx, w.AccountID, func(*ledger.Snapshot) (*ledger.Change, error) {
		return &ledger.Change{
			Delta:                w.Amount,
			Reason:               model.ReasonWithdrawal,
			WithdrawalTransition: &store.Transition{ID: w.ID, To: model.StatusCancelled, At: at},
			Notices: []ledger.Notice{{
				Title:    "Withdrawal Rejected",
				Body:     "Your withdrawal was rejected and funds refunded.",
				Severity: model.SeverityError,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal rejected", "account_id", w.AccountID, "withdrawal_id", w.ID, "refund", w.Amount.StringFixed(2))
	return acct, nil
}

func alreadyProcessed(kind, id string, status model.RequestStatus) error {
	return fmt.Errorf("%s %s is %s: %w", kind, id, status, model.ErrAlreadyProcessed)
}
