package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

// Handler serves the credit ledger over HTTP.
type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Routes are the caller's own read surfaces, mounted at /api/v1/credits.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/balance", h.GetBalance)
	r.Get("/batches", h.ListBatches)
	r.Get("/transactions", h.ListTransactions)
	r.Get("/alerts", h.ListAlerts)
	return r
}

// InternalRoutes are for billing integrations, mounted at /api/internal/credits.
func (h *Handler) InternalRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireService())
	r.Post("/check", h.Check)
	r.Post("/usage", h.Usage)
	r.Post("/purchases", h.Purchase)
	r.Post("/grants", h.Grant)
	r.Post("/sweep", h.Sweep)
	r.Post("/warnings", h.Warnings)
	r.Get("/users/{userID}/balance", h.GetUserBalance)
	r.With(middleware.RequireAdmin()).Post("/users/{userID}/reconcile", h.Reconcile)
	return r
}

// GetBalance handles GET /credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, balance)
}

// ListBatches handles GET /credits/batches?filter=active|expiring_soon|expired|all
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	filter, err := ParseBatchFilter(r.URL.Query().Get("filter"))
	if err != nil {
		response.BadRequest(w, "filter must be one of active, expiring_soon, expired, all")
		return
	}
	limit := queryInt(r, "limit", 50, 200)

	batches, err := h.svc.ListBatches(r.Context(), userID, filter, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, batches)
}

// ListTransactions handles GET /credits/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit := queryInt(r, "limit", 20, 100)
	offset := queryInt(r, "offset", 0, 1<<30)

	// Fetch one extra row to know whether another page exists.
	txs, err := h.svc.ListTransactions(r.Context(), userID, limit+1, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	hasNext := len(txs) > limit
	if hasNext {
		txs = txs[:limit]
	}
	response.WithMeta(w, txs, response.Meta{Limit: limit, Offset: offset, HasNext: hasNext})
}

// ListAlerts handles GET /credits/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	alerts, err := h.svc.ListAlerts(r.Context(), userID, queryInt(r, "limit", 50, 200))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, alerts)
}

// Check handles POST /internal/credits/check
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckBalanceRequest
	if !decode(w, r, &req) {
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, CheckBalanceResponse{
		Sufficient: balance.Available.GreaterThanOrEqual(req.Amount),
		Available:  balance.Available,
	})
}

// Usage handles POST /internal/credits/usage
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.Deduct(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// Purchase handles POST /internal/credits/purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseCreditsRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.Purchase(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.AlreadyProcessed {
		response.OK(w, result)
		return
	}
	response.Created(w, result)
}

// Grant handles POST /internal/credits/grants
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditsRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.Grant(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.AlreadyProcessed {
		response.OK(w, result)
		return
	}
	response.Created(w, result)
}

// Sweep handles POST /internal/credits/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Sweep(r.Context())
	if err != nil && result == nil {
		h.writeError(w, r, err)
		return
	}
	// Partial failures still return what was committed.
	response.OK(w, result)
}

// Warnings handles POST /internal/credits/warnings
func (h *Handler) Warnings(w http.ResponseWriter, r *http.Request) {
	var req WarningsRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	result, err := h.svc.SendExpirationWarnings(r.Context(), req.LeadDays)
	if err != nil && result == nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// GetUserBalance handles GET /internal/credits/users/{userID}/balance
func (h *Handler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, balance)
}

// Reconcile handles POST /internal/credits/users/{userID}/reconcile?repair=true
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))

	rec, err := h.svc.Reconcile(r.Context(), userID, repair)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, rec)
}

// writeError maps ledger errors to responses. Insufficient credits is a
// normal outcome; anything not recognised is reported as retry-later.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "Not enough credits, purchase more to continue", map[string]string{"reason": err.Error()})
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrMissingReference),
		errors.Is(err, ErrInvalidFilter),
		errors.Is(err, ErrInvalidBatchType):
		response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, ErrReferenceConflict):
		response.Conflict(w, "reference already used for a different request")
	case errors.Is(err, ErrBatchNotFound):
		response.NotFound(w, "Credit batch not found")
	case errors.Is(err, ErrInvariantViolation):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "INVARIANT_VIOLATION", "Ledger invariant violation", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "RETRY_LATER", "Credit operation failed", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := response.DecodeJSON(r.Body, v); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(v); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
