// Package ledger implements the double-entry ledger endpoints of the demo
// service. Every balance mutation goes through a txn.Handle so each leg of
// a transfer is posted in its own nested transaction level while the
// transfer as a whole commits or rolls back atomically.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"txnkit/auth"
	"txnkit/db"
	"txnkit/httputil"
	"txnkit/txn"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrNotAccountOwner   = errors.New("account does not belong to user")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Handler holds dependencies for ledger endpoints.
type Handler struct {
	DB *db.DB
}

// Account is the JSON shape of a ledger account.
type Account struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	BalanceCents int64  `json:"balance_cents"`
	CreatedAt    string `json:"created_at"`
}

// Entry is the JSON shape of a posted ledger entry.
type Entry struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	TransferID  string `json:"transfer_id"`
	AmountCents int64  `json:"amount_cents"`
	Memo        string `json:"memo"`
	CreatedAt   string `json:"created_at"`
}

// CreateAccountRequest is the JSON body for POST /api/accounts.
type CreateAccountRequest struct {
	Name string `json:"name"`
}

// HandleCreateAccount creates an additional named account for the user.
func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httputil.WriteJSON(w, 400, map[string]string{"error": "account name is required"})
		return
	}

	accountID := uuid.New().String()
	_, err := h.DB.ExecContext(r.Context(),
		`INSERT INTO accounts (id, user_id, name) VALUES (?, ?, ?)`,
		accountID, userID, req.Name)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			httputil.WriteJSON(w, 409, map[string]string{"error": "account name already in use"})
			return
		}
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to create account"})
		return
	}
	httputil.WriteJSON(w, 201, map[string]string{"id": accountID})
}

// HandleListAccounts returns the user's accounts with current balances.
func (h *Handler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	rows, err := h.DB.QueryContext(r.Context(),
		`SELECT id, user_id, name, balance_cents, created_at FROM accounts WHERE user_id = ? ORDER BY created_at`,
		userID)
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to list accounts"})
		return
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.BalanceCents, &a.CreatedAt); err != nil {
			continue
		}
		accounts = append(accounts, a)
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"accounts": accounts})
}

// HandleGetAccount returns one account owned by the user.
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	accountID := chi.URLParam(r, "id")

	var a Account
	err := h.DB.QueryRowContext(r.Context(),
		`SELECT id, user_id, name, balance_cents, created_at FROM accounts WHERE id = ? AND user_id = ?`,
		accountID, userID).Scan(&a.ID, &a.UserID, &a.Name, &a.BalanceCents, &a.CreatedAt)
	if err != nil {
		httputil.WriteJSON(w, 404, map[string]string{"error": "account not found"})
		return
	}
	httputil.WriteJSON(w, 200, a)
}

// HandleListEntries returns the posted entries of one account, newest first.
func (h *Handler) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	accountID := chi.URLParam(r, "id")

	var owner string
	if err := h.DB.QueryRowContext(r.Context(),
		`SELECT user_id FROM accounts WHERE id = ?`, accountID).Scan(&owner); err != nil || owner != userID {
		httputil.WriteJSON(w, 404, map[string]string{"error": "account not found"})
		return
	}

	rows, err := h.DB.QueryContext(r.Context(),
		`SELECT id, account_id, transfer_id, amount_cents, memo, created_at FROM entries
		 WHERE account_id = ? ORDER BY created_at DESC, id LIMIT 100`,
		accountID)
	if err != nil {
		httputil.WriteJSON(w, 500, map[string]string{"error": "failed to list entries"})
		return
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransferID, &e.AmountCents, &e.Memo, &e.CreatedAt); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	httputil.WriteJSON(w, 200, map[string]interface{}{"entries": entries})
}

// DepositRequest is the JSON body for POST /api/accounts/{id}/deposit.
type DepositRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Memo        string `json:"memo"`
}

// HandleDeposit credits an account and posts the matching entry in one
// transaction.
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}
	accountID := chi.URLParam(r, "id")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AmountCents <= 0 {
		httputil.WriteJSON(w, 400, map[string]string{"error": "amount_cents must be positive"})
		return
	}

	handle := txn.New(h.DB)
	// A failed BEGIN or COMMIT leaves the connection on the handle; make
	// sure it goes back to the pool on every exit path.
	defer handle.Release()
	err := handle.RunInTransaction(r.Context(), func(ctx context.Context) error {
		if err := requireOwner(ctx, handle, accountID, userID); err != nil {
			return err
		}
		return h.postEntry(ctx, handle, uuid.New().String(), accountID, req.AmountCents, req.Memo)
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// TransferRequest is the JSON body for POST /api/transfers.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	AmountCents   int64  `json:"amount_cents"`
	Memo          string `json:"memo"`
}

// HandleTransfer moves money between two accounts. The debit and credit
// legs are each posted in their own nested transaction level on the same
// handle; the outer level makes the transfer atomic, so a failed credit
// also unwinds the already-posted debit.
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.ExtractUserID(r)
	if !ok {
		httputil.WriteJSON(w, 401, map[string]string{"error": "unauthorized"})
		return
	}

	httputil.MaxBody(r, httputil.DefaultBodyLimit)
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "invalid request body"})
		return
	}
	if req.AmountCents <= 0 {
		httputil.WriteJSON(w, 400, map[string]string{"error": "amount_cents must be positive"})
		return
	}
	if req.FromAccountID == "" || req.ToAccountID == "" || req.FromAccountID == req.ToAccountID {
		httputil.WriteJSON(w, 400, map[string]string{"error": "distinct from_account_id and to_account_id are required"})
		return
	}

	transferID := uuid.New().String()
	handle := txn.New(h.DB)
	defer handle.Release()
	err := handle.RunInTransaction(r.Context(), func(ctx context.Context) error {
		if err := requireOwner(ctx, handle, req.FromAccountID, userID); err != nil {
			return err
		}

		var balance int64
		if err := handle.QueryRow(ctx,
			`SELECT balance_cents FROM accounts WHERE id = ?`, req.FromAccountID).Scan(&balance); err != nil {
			return err
		}
		if balance < req.AmountCents {
			return ErrInsufficientFunds
		}

		if err := h.postEntry(ctx, handle, transferID, req.FromAccountID, -req.AmountCents, req.Memo); err != nil {
			return err
		}
		return h.postEntry(ctx, handle, transferID, req.ToAccountID, req.AmountCents, req.Memo)
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSON(w, 201, map[string]string{"transfer_id": transferID})
}

// postEntry applies one leg of a transfer: adjust the balance and record
// the entry. It opens its own transaction level, which nests inside
// whatever level the caller already holds on the handle.
func (h *Handler) postEntry(ctx context.Context, handle *txn.Handle, transferID, accountID string, amount int64, memo string) error {
	return handle.RunInTransaction(ctx, func(ctx context.Context) error {
		res, err := handle.Exec(ctx,
			`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`,
			amount, accountID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrAccountNotFound
		}
		_, err = handle.Exec(ctx,
			fmt.Sprintf(`INSERT INTO entries (id, account_id, transfer_id, amount_cents, memo, created_at) VALUES (?, ?, ?, ?, ?, %s)`, h.DB.NowUTC()),
			uuid.New().String(), accountID, transferID, amount, memo)
		return err
	})
}

// requireOwner verifies the account exists and belongs to the user, on the
// handle's connection so the check is part of the open transaction.
func requireOwner(ctx context.Context, handle *txn.Handle, accountID, userID string) error {
	var owner string
	if err := handle.QueryRow(ctx,
		`SELECT user_id FROM accounts WHERE id = ?`, accountID).Scan(&owner); err != nil {
		return ErrAccountNotFound
	}
	if owner != userID {
		return ErrNotAccountOwner
	}
	return nil
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		httputil.WriteJSON(w, 404, map[string]string{"error": "account not found"})
	case errors.Is(err, ErrNotAccountOwner):
		httputil.WriteJSON(w, 403, map[string]string{"error": "account does not belong to you"})
	case errors.Is(err, ErrInsufficientFunds):
		httputil.WriteJSON(w, 409, map[string]string{"error": "insufficient funds"})
	default:
		httputil.WriteJSON(w, 500, map[string]string{"error": "transfer failed"})
	}
}
