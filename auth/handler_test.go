package auth

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"txnkit/db"
	"txnkit/txn"
)

// --- helpers ---

func newTestHandler(t *testing.T) (*Handler, *db.DB) {
	t.Helper()
	d, err := db.Open(db.DialectSQLite, filepath.Join(t.TempDir(), "auth_test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.RunMigrations(d.DB, d.Dialect); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return &Handler{DB: d, JWTSecret: "test-secret"}, d
}

func register(t *testing.T, h *Handler, username, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(RegisterRequest{Username: username, Email: email, Password: password})
	req := httptest.NewRequest("POST", "/api/auth/register", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.HandleRegister(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var m map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return m
}

// --- register ---

func TestRegisterCreatesUserAndAccount(t *testing.T) {
	h, d := newTestHandler(t)

	rec := register(t, h, "alice", "alice@test.com", "password123")
	if rec.Code != 201 {
		t.Fatalf("register = %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	if resp["token"] == "" || resp["user_id"] == "" {
		t.Fatalf("register response missing token or user_id: %v", resp)
	}

	// The user row and the default account are created together.
	var accounts int
	if err := d.QueryRow(`SELECT COUNT(*) FROM accounts WHERE user_id = ?`, resp["user_id"]).Scan(&accounts); err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if accounts != 1 {
		t.Errorf("accounts for new user = %d, want 1", accounts)
	}
}

func TestRegisterDuplicateUsernameLeavesNoOrphans(t *testing.T) {
	h, d := newTestHandler(t)

	if rec := register(t, h, "alice", "alice@test.com", "password123"); rec.Code != 201 {
		t.Fatalf("first register = %d", rec.Code)
	}
	if rec := register(t, h, "alice", "other@test.com", "password123"); rec.Code != 409 {
		t.Fatalf("duplicate register = %d, want 409", rec.Code)
	}

	var users, accounts int
	if err := d.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if err := d.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&accounts); err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if users != 1 || accounts != 1 {
		t.Errorf("after rolled-back register: users=%d accounts=%d, want 1/1", users, accounts)
	}
}

func TestRegisterValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"short username", "al", "al@test.com", "password123"},
		{"short password", "alice", "alice@test.com", "pw"},
		{"bad email", "alice", "not-an-email", "password123"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := register(t, h, tc.username, tc.email, tc.password); rec.Code != 400 {
				t.Errorf("register = %d, want 400", rec.Code)
			}
		})
	}
}

// TestRegisterReleasesConnectionOnBeginFailure: when BEGIN IMMEDIATE
// fails against a write-locked database the handler must still return its
// borrowed connection to the pool.
func TestRegisterReleasesConnectionOnBeginFailure(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "busy_test.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(100)"
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)
	d := db.New(raw, db.DialectSQLite)
	t.Cleanup(func() { d.Close() })
	if err := db.RunMigrations(d.DB, d.Dialect); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	h := &Handler{DB: d, JWTSecret: "test-secret"}

	ctx := context.Background()
	locker := txn.New(d)
	if err := locker.Begin(ctx); err != nil {
		t.Fatalf("locker begin: %v", err)
	}

	if rec := register(t, h, "alice", "alice@test.com", "password123"); rec.Code != 500 {
		t.Fatalf("register against locked db = %d, want 500", rec.Code)
	}
	// Only the locker's connection may still be out of the pool.
	if got := d.Stats().InUse; got != 1 {
		t.Errorf("in-use connections after failed register = %d, want 1", got)
	}

	if err := locker.Rollback(ctx); err != nil {
		t.Fatalf("locker rollback: %v", err)
	}
}

// --- login ---

func TestLogin(t *testing.T) {
	h, _ := newTestHandler(t)
	if rec := register(t, h, "alice", "alice@test.com", "password123"); rec.Code != 201 {
		t.Fatalf("register = %d", rec.Code)
	}

	b, _ := json.Marshal(LoginRequest{Username: "alice", Password: "password123"})
	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.HandleLogin(rec, req)
	if rec.Code != 200 {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	if resp := decodeJSON(t, rec); resp["token"] == "" {
		t.Error("login response missing token")
	}

	b, _ = json.Marshal(LoginRequest{Username: "alice", Password: "wrongpassword"})
	req = httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(b))
	rec = httptest.NewRecorder()
	h.HandleLogin(rec, req)
	if rec.Code != 401 {
		t.Fatalf("login with wrong password = %d, want 401", rec.Code)
	}
}

// --- middleware ---

func TestAuthMiddleware(t *testing.T) {
	h, _ := newTestHandler(t)

	var gotUserID string
	next := h.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = ExtractUserID(r)
		w.WriteHeader(204)
	}))

	token, err := GenerateToken("u1", h.JWTSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req := httptest.NewRequest("GET", "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	next.ServeHTTP(rec, req)
	if rec.Code != 204 || gotUserID != "u1" {
		t.Fatalf("authenticated request: code=%d user=%q", rec.Code, gotUserID)
	}

	req = httptest.NewRequest("GET", "/api/accounts", nil)
	rec = httptest.NewRecorder()
	next.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("unauthenticated request = %d, want 401", rec.Code)
	}

	wrongToken, err := GenerateToken("u1", "wrong-secret")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req = httptest.NewRequest("GET", "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+wrongToken)
	rec = httptest.NewRecorder()
	next.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("wrong-secret token = %d, want 401", rec.Code)
	}
}
