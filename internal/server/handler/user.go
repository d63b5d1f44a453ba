package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// AccountService defines the account operations the user handler needs.
type AccountService interface {
	RegisterUser(ctx context.Context, name string, isAdmin bool) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	Withdraw(ctx context.Context, userID string, amount int64) (domain.User, error)
	AdjustBalance(ctx context.Context, actorID, userID string, delta int64, reason string) (domain.User, error)
}

// UserHandler serves account endpoints.
type UserHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(accounts AccountService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		accounts: accounts,
		logger:   logHandler(logger, "user"),
	}
}

type registerRequest struct {
	Name string `json:"name"`
}

type withdrawRequest struct {
	Amount int64 `json:"amount"`
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// Register creates a funded account. Admins are provisioned out of band.
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.accounts.RegisterUser(r.Context(), req.Name, false)
	if err != nil {
		writeServiceError(w, r, h.logger, "register user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUser(u))
}

// GetUser returns balance and record for a user.
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(u))
}

// Withdraw debits the caller's own balance.
// POST /api/users/{id}/withdrawals
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if caller != id {
		writeError(w, http.StatusForbidden, "can only withdraw from your own account")
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.accounts.Withdraw(r.Context(), id, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(u))
}

// Adjust credits or debits a user; the caller must be an admin.
// POST /api/users/{id}/adjustments
func (h *UserHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.accounts.AdjustBalance(r.Context(), caller, r.PathValue("id"), req.Delta, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "adjust balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(u))
}
