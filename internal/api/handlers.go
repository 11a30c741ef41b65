package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/funds"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/trade"
)

// RouterConfig assembles the HTTP surface.
type RouterConfig struct {
	Service *Service
	// WS serves the live event stream; nil leaves /api/v1/ws unmounted.
	WS http.HandlerFunc
	// Limiter throttles /api/v1 per client IP; nil disables it.
	Limiter     *IPRateLimiter
	CORSOrigins []string
	// Ping reports storage health for /health; nil always reports ok.
	Ping           func(ctx context.Context) error
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with middleware, health, metrics and the
// /api/v1 routes.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := &handler{svc: cfg.Service}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ping != nil {
			if err := cfg.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "settlement-engine"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "settlement-engine"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The stream is long-lived and must not sit behind the request timeout.
		if cfg.WS != nil {
			r.Get("/ws", cfg.WS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			if cfg.Limiter != nil {
				r.Use(cfg.Limiter.Middleware)
			}

			// Accounts.
			r.Post("/accounts", h.openAccount)
			r.Get("/accounts", h.listAccounts)
			r.Get("/accounts/{accountID}", h.account)
			r.Delete("/accounts/{accountID}", h.deleteAccount)
			r.Post("/accounts/{accountID}/status/toggle", h.toggleStatus)
			r.Post("/accounts/{accountID}/adjust", h.adjustBalance)
			r.Post("/accounts/{accountID}/bonus", h.giveBonus)

			// Notification inbox.
			r.Get("/accounts/{accountID}/notifications", h.listNotifications)
			r.Post("/accounts/{accountID}/notifications/read", h.markAllRead)
			r.Post("/accounts/{accountID}/notifications/{notificationID}/read", h.markRead)
			r.Delete("/accounts/{accountID}/notifications", h.clearNotifications)

			// Trades.
			r.Post("/trades", h.placeTrade)

			// Deposits and withdrawals.
			r.Post("/deposits", h.requestDeposit)
			r.Get("/deposits", h.listDeposits)
			r.Post("/deposits/{id}/approve", h.approveDeposit)
			r.Post("/deposits/{id}/reject", h.rejectDeposit)
			r.Post("/withdrawals", h.requestWithdrawal)
			r.Get("/withdrawals", h.listWithdrawals)
			r.Post("/withdrawals/{id}/approve", h.approveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.rejectWithdrawal)

			// Settings and pairs.
			r.Get("/settings/trade", h.tradeSettings)
			r.Put("/settings/trade", h.updateTradeSettings)
			r.Post("/pairs", h.addPair)
			r.Post("/pairs/toggle", h.togglePair)
		})
	})

	return r
}

type handler struct {
	svc *Service
}

// AdjustRequest is the JSON body for POST /accounts/{id}/adjust.
type AdjustRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason model.Reason    `json:"reason"`
}

// BonusRequest is the JSON body for POST /accounts/{id}/bonus.
type BonusRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

// TogglePairRequest is the JSON body for POST /pairs/toggle.
type TogglePairRequest struct {
	Symbol string `json:"symbol"`
}

func (h *handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.OpenAccount(r.Context(), req))
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListAccounts(r.Context()))
}

// account handles GET /accounts/{accountID}?history=N
func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "history must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeResult(w, h.svc.Account(r.Context(), chi.URLParam(r, "accountID"), limit))
}

func (h *handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.DeleteAccount(r.Context(), chi.URLParam(r, "accountID")))
}

func (h *handler) toggleStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ToggleAccountStatus(r.Context(), chi.URLParam(r, "accountID")))
}

func (h *handler) adjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.AdjustBalance(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Reason))
}

func (h *handler) giveBonus(w http.ResponseWriter, r *http.Request) {
	var req BonusRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.GiveBonus(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Message))
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListNotifications(r.Context(), chi.URLParam(r, "accountID")))
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.MarkNotificationRead(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "notificationID")))
}

func (h *handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.MarkAllNotificationsRead(r.Context(), chi.URLParam(r, "accountID")))
}

func (h *handler) clearNotifications(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ClearNotifications(r.Context(), chi.URLParam(r, "accountID")))
}

func (h *handler) placeTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.PlaceRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.PlaceTrade(r.Context(), req))
}

func (h *handler) requestDeposit(w http.ResponseWriter, r *http.Request) {
	var req funds.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.RequestDeposit(r.Context(), req))
}

// listDeposits handles GET /deposits?account_id=...; no filter lists all.
func (h *handler) listDeposits(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListDeposits(r.Context(), r.URL.Query().Get("account_id")))
}

func (h *handler) approveDeposit(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ApproveDeposit(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) rejectDeposit(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.RejectDeposit(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req funds.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.RequestWithdrawal(r.Context(), req))
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListWithdrawals(r.Context(), r.URL.Query().Get("account_id")))
}

func (h *handler) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ApproveWithdrawal(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.RejectWithdrawal(r.Context(), chi.URLParam(r, "id")))
}

func (h *handler) tradeSettings(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, h.svc.TradeSettings())
}

func (h *handler) updateTradeSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsPatch
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.UpdateTradeSettings(r.Context(), req))
}

func (h *handler) addPair(w http.ResponseWriter, r *http.Request) {
	var req model.Pair
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.AddPair(r.Context(), req))
}

func (h *handler) togglePair(w http.ResponseWriter, r *http.Request) {
	var req TogglePairRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.TogglePair(r.Context(), req.Symbol))
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res Result) {
	writeJSON(w, res.Status(), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, Result{Message: message})
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
