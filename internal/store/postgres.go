package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Schema is the DDL applied by Migrate. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    balance     NUMERIC(20,2) NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'Active',
    version     BIGINT NOT NULL DEFAULT 1,
    created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS open_trades (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL REFERENCES accounts(id),
    pair              TEXT NOT NULL,
    direction         TEXT NOT NULL CHECK (direction IN ('HIGH', 'LOW')),
    amount            NUMERIC(20,2) NOT NULL CHECK (amount > 0),
    entry_price       NUMERIC(30,10) NOT NULL,
    duration_seconds  INTEGER NOT NULL,
    placed_at         TIMESTAMP WITH TIME ZONE NOT NULL,
    expires_at        TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_open_trades_account ON open_trades(account_id, expires_at);

CREATE TABLE IF NOT EXISTS trade_history (
    seq           BIGSERIAL PRIMARY KEY,
    trade_id      TEXT NOT NULL UNIQUE,
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    pair          TEXT NOT NULL,
    direction     TEXT NOT NULL,
    amount        NUMERIC(20,2) NOT NULL,
    entry_price   NUMERIC(30,10) NOT NULL,
    exit_price    NUMERIC(30,10) NOT NULL,
    outcome       TEXT NOT NULL,
    payout        NUMERIC(20,2) NOT NULL,
    initiated_at  TIMESTAMP WITH TIME ZONE NOT NULL,
    settled_at    TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_history_account ON trade_history(account_id, seq DESC);

CREATE TABLE IF NOT EXISTS deposits (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    amount        NUMERIC(20,2) NOT NULL CHECK (amount > 0),
    gateway       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'Pending',
    initiated_at  TIMESTAMP WITH TIME ZONE NOT NULL,
    processed_at  TIMESTAMP WITH TIME ZONE
);

CREATE TABLE IF NOT EXISTS withdrawals (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    amount        NUMERIC(20,2) NOT NULL CHECK (amount > 0),
    method        TEXT NOT NULL DEFAULT '',
    details       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'Pending',
    initiated_at  TIMESTAMP WITH TIME ZONE NOT NULL,
    processed_at  TIMESTAMP WITH TIME ZONE
);

CREATE TABLE IF NOT EXISTS notifications (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    severity    TEXT NOT NULL DEFAULT 'info',
    read        BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id, created_at DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// unavailable tags infrastructure faults so callers can tell them apart from
// domain rejections.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

// notFoundOr maps pgx.ErrNoRows to model.ErrNotFound.
func notFoundOr(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, model.ErrNotFound)
	}
	return unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, balance, status, version, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, 1, $5)`,
		a.ID, a.Name, a.Balance.String(), a.Status, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s already exists: %w", a.ID, model.ErrConflict)
		}
		return unavailable("create account", err)
	}
	a.Version = 1
	return nil
}

const accountColumns = `id, name, balance::TEXT, status, version, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &a.Name, &balance, &a.Status, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get account", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list accounts", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, unavailable("list accounts", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Snapshot reads the account row and its open trades inside one
// REPEATABLE READ transaction so both reflect the same version.
func (s *PostgresStore) Snapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, unavailable("snapshot", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		return nil, notFoundOr("snapshot", accountID, err)
	}
	trades, err := queryOpenTrades(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("snapshot", err)
	}
	return &Snapshot{Account: *a, OpenTrades: trades}, nil
}

// --- Trades ---

func (s *PostgresStore) AccountsWithOpenTrades(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT account_id FROM open_trades ORDER BY account_id`)
	if err != nil {
		return nil, unavailable("accounts with open trades", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("accounts with open trades", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListOpenTrades(ctx context.Context, accountID string) ([]model.OpenTrade, error) {
	return queryOpenTrades(ctx, s.pool, accountID)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryOpenTrades(ctx context.Context, q querier, accountID string) ([]model.OpenTrade, error) {
	rows, err := q.Query(ctx,
		`SELECT id, account_id, pair, direction, amount::TEXT, entry_price::TEXT,
		        duration_seconds, placed_at, expires_at
		 FROM open_trades WHERE account_id = $1 ORDER BY expires_at, id`, accountID)
	if err != nil {
		return nil, unavailable("list open trades", err)
	}
	defer rows.Close()

	var trades []model.OpenTrade
	for rows.Next() {
		var t model.OpenTrade
		var amountS, entryS string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Pair, &t.Direction, &amountS, &entryS,
			&t.DurationSeconds, &t.PlacedAt, &t.ExpiresAt); err != nil {
			return nil, unavailable("list open trades", err)
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		t.EntryPrice, _ = decimal.NewFromString(entryS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradeHistory(ctx context.Context, accountID string, limit int) ([]model.TradeHistoryEntry, error) {
	query := `SELECT trade_id, account_id, pair, direction, amount::TEXT, entry_price::TEXT,
	                 exit_price::TEXT, outcome, payout::TEXT, initiated_at, settled_at
	          FROM trade_history WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list trade history", err)
	}
	defer rows.Close()

	var entries []model.TradeHistoryEntry
	for rows.Next() {
		var e model.TradeHistoryEntry
		var amountS, entryS, exitS, payoutS string
		if err := rows.Scan(&e.TradeID, &e.AccountID, &e.Pair, &e.Direction,
			&amountS, &entryS, &exitS, &e.Outcome, &payoutS,
			&e.InitiatedAt, &e.SettledAt); err != nil {
			return nil, unavailable("list trade history", err)
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.EntryPrice, _ = decimal.NewFromString(entryS)
		e.ExitPrice, _ = decimal.NewFromString(exitS)
		e.Payout, _ = decimal.NewFromString(payoutS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Deposits / withdrawals ---

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *model.Deposit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposits (id, account_id, amount, gateway, status, initiated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		d.ID, d.AccountID, d.Amount.String(), d.Gateway, d.Status, d.InitiatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deposit %s already exists: %w", d.ID, model.ErrConflict)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("account %s: %w", d.AccountID, model.ErrNotFound)
		}
		return unavailable("create deposit", err)
	}
	return nil
}

const depositColumns = `id, account_id, amount::TEXT, gateway, status, initiated_at, processed_at`

func scanDeposit(row pgx.Row) (*model.Deposit, error) {
	var d model.Deposit
	var amount string
	if err := row.Scan(&d.ID, &d.AccountID, &amount, &d.Gateway, &d.Status,
		&d.InitiatedAt, &d.ProcessedAt); err != nil {
		return nil, err
	}
	d.Amount, _ = decimal.NewFromString(amount)
	return &d, nil
}

func (s *PostgresStore) GetDeposit(ctx context.Context, id string) (*model.Deposit, error) {
	d, err := scanDeposit(s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get deposit", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeposits(ctx context.Context, accountID string) ([]model.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits
		 WHERE $1::TEXT = '' OR account_id = $1 ORDER BY initiated_at DESC`, accountID)
	if err != nil {
		return nil, unavailable("list deposits", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, unavailable("list deposits", err)
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

const withdrawalColumns = `id, account_id, amount::TEXT, method, details, status, initiated_at, processed_at`

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var amount string
	if err := row.Scan(&w.ID, &w.AccountID, &amount, &w.Method, &w.Details, &w.Status,
		&w.InitiatedAt, &w.ProcessedAt); err != nil {
		return nil, err
	}
	w.Amount, _ = decimal.NewFromString(amount)
	return &w, nil
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(s.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get withdrawal", id, err)
	}
	return w, nil
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, accountID string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE $1::TEXT = '' OR account_id = $1 ORDER BY initiated_at DESC`, accountID)
	if err != nil {
		return nil, unavailable("list withdrawals", err)
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, unavailable("list withdrawals", err)
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, rows.Err()
}

// --- Atomic ledger primitive ---

// ApplyMutation runs every part of m in one transaction. The account row is
// updated first with a version predicate, which both checks the CAS and takes
// the row lock for the rest of the transaction.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m *Mutation) (*model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("apply mutation", err)
	}
	defer tx.Rollback(ctx)

	var status *string
	if m.Status != nil {
		v := string(*m.Status)
		status = &v
	}

	a, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $3::NUMERIC,
		     status  = COALESCE($4::TEXT, status),
		     version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING `+accountColumns,
		m.AccountID, m.ExpectedVersion, m.Delta.String(), status))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`,
			m.AccountID).Scan(&exists); err != nil {
			return nil, unavailable("apply mutation", err)
		}
		if !exists {
			return nil, fmt.Errorf("account %s: %w", m.AccountID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("account %s moved past version %d: %w",
			m.AccountID, m.ExpectedVersion, model.ErrConflict)
	}
	if err != nil {
		return nil, unavailable("apply mutation", err)
	}
	if m.NonNegative && a.Balance.IsNegative() {
		return nil, fmt.Errorf("account %s balance would be %s: %w",
			m.AccountID, a.Balance, model.ErrInsufficientFunds)
	}

	if len(m.RemoveTradeIDs) > 0 {
		tag, err := tx.Exec(ctx,
			`DELETE FROM open_trades WHERE account_id = $1 AND id = ANY($2)`,
			m.AccountID, m.RemoveTradeIDs)
		if err != nil {
			return nil, unavailable("remove open trades", err)
		}
		if tag.RowsAffected() != int64(len(m.RemoveTradeIDs)) {
			return nil, fmt.Errorf("account %s: %d of %d trades not open: %w",
				m.AccountID, int64(len(m.RemoveTradeIDs))-tag.RowsAffected(),
				len(m.RemoveTradeIDs), model.ErrConflict)
		}
	}

	for _, t := range m.InsertTrades {
		_, err := tx.Exec(ctx,
			`INSERT INTO open_trades (id, account_id, pair, direction, amount, entry_price,
			                          duration_seconds, placed_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
			t.ID, m.AccountID, t.Pair, t.Direction, t.Amount.String(), t.EntryPrice.String(),
			t.DurationSeconds, t.PlacedAt, t.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("trade %s already exists: %w", t.ID, model.ErrConflict)
			}
			return nil, unavailable("insert open trade", err)
		}
	}

	for _, h := range m.AppendHistory {
		_, err := tx.Exec(ctx,
			`INSERT INTO trade_history (trade_id, account_id, pair, direction, amount, entry_price,
			                            exit_price, outcome, payout, initiated_at, settled_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)`,
			h.TradeID, m.AccountID, h.Pair, h.Direction, h.Amount.String(), h.EntryPrice.String(),
			h.ExitPrice.String(), h.Outcome, h.Payout.String(), h.InitiatedAt, h.SettledAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("trade %s already settled: %w", h.TradeID, model.ErrConflict)
			}
			return nil, unavailable("append trade history", err)
		}
	}

	if tr := m.DepositTransition; tr != nil {
		if err := transition(ctx, tx, "deposits", m.AccountID, tr); err != nil {
			return nil, err
		}
	}
	if tr := m.WithdrawalTransition; tr != nil {
		if err := transition(ctx, tx, "withdrawals", m.AccountID, tr); err != nil {
			return nil, err
		}
	}

	if w := m.InsertWithdrawal; w != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO withdrawals (id, account_id, amount, method, details, status, initiated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
			w.ID, m.AccountID, w.Amount.String(), w.Method, w.Details, w.Status, w.InitiatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("withdrawal %s already exists: %w", w.ID, model.ErrConflict)
			}
			return nil, unavailable("insert withdrawal", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit mutation", err)
	}
	return a, nil
}

// transition moves a Pending deposit or withdrawal row to tr.To. table is
// one of two constants, never user input.
func transition(ctx context.Context, tx pgx.Tx, table, accountID string, tr *Transition) error {
	tag, err := tx.Exec(ctx,
		`UPDATE `+table+` SET status = $3, processed_at = $4
		 WHERE id = $1 AND account_id = $2 AND status = 'Pending'`,
		tr.ID, accountID, tr.To, tr.At)
	if err != nil {
		return unavailable("transition "+table, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM `+table+` WHERE id = $1 AND account_id = $2`,
		tr.ID, accountID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, tr.ID, model.ErrNotFound)
	}
	if err != nil {
		return unavailable("transition "+table, err)
	}
	return fmt.Errorf("%s %s is %s: %w", table, tr.ID, current, model.ErrAlreadyProcessed)
}

// --- Notification inbox ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, account_id, title, body, severity, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.AccountID, n.Title, n.Body, n.Severity, n.Read, n.CreatedAt)
	if err != nil {
		return unavailable("insert notification", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, accountID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, title, body, severity, read, created_at
		 FROM notifications WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, unavailable("list notifications", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Title, &n.Body, &n.Severity,
			&n.Read, &n.CreatedAt); err != nil {
			return nil, unavailable("list notifications", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, accountID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return unavailable("mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, accountID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE account_id = $1 AND NOT read`, accountID); err != nil {
		return unavailable("mark all notifications read", err)
	}
	return nil
}

func (s *PostgresStore) ClearNotifications(ctx context.Context, accountID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE account_id = $1`, accountID); err != nil {
		return unavailable("clear notifications", err)
	}
	return nil
}

// Ping checks connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

var _ Store = (*PostgresStore)(nil)
