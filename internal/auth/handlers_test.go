package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"golang.org/x/crypto/bcrypt"
)

func newAuthApp(svc *Service) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/auth"), svc, JWTMiddleware(string(svc.secret)))
	return app
}

func TestAuthHandlersRegisterLoginVerify(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	createdAt := time.Now()
	updatedAt := time.Now()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "user@example.com", pgxmock.AnyArg(), "").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(createdAt, updatedAt))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	svc := NewService("test-secret", mock)
	app := newAuthApp(svc)

	registerBody, _ := json.Marshal(RegisterRequest{Email: "user@example.com", Password: "secret1"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(registerBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status: %v", err)
	}
	var registered SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if registered.User.ID == "" || registered.Tokens.AccessToken == "" {
		t.Fatalf("expected user and tokens in register response")
	}

	passwordBytes, _ := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.DefaultCost)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WithArgs("user@example.com").
		WillReturnRows(pgxmock.NewRows(userColumns).
			AddRow("user-1", "user@example.com", string(passwordBytes), "", "", createdAt, updatedAt))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	loginBody, _ := json.Marshal(LoginRequest{Email: "user@example.com", Password: "secret1"})
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(loginBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %v", err)
	}

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tokens, _ := svc.GenerateTokens(context.Background(), "user-1")

	req = httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %v", err)
	}
}

func TestAuthRegisterCodedErrorBody(t *testing.T) {
	cases := []struct {
		name   string
		svc    *Service
		body   RegisterRequest
		status int
		code   string
	}{
		{"weak password", NewService("secret", nil), RegisterRequest{Email: "a@b.co", Password: "123"}, http.StatusBadRequest, CodeWeakPassword},
		{"invalid email", NewService("secret", nil), RegisterRequest{Email: "nope", Password: "secret1"}, http.StatusBadRequest, CodeInvalidEmail},
		{"disabled", NewService("secret", nil, WithEmailPassword(false)), RegisterRequest{Email: "a@b.co", Password: "secret1"}, http.StatusForbidden, CodeOperationNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newAuthApp(tc.svc)
			body, _ := json.Marshal(tc.body)
			req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			if err != nil || resp.StatusCode != tc.status {
				t.Fatalf("unexpected status: %v", err)
			}
			var got Error
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got.Code)
			}
		})
	}
}

func TestAuthRegisterDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "user@example.com", pgxmock.AnyArg(), "").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	app := newAuthApp(NewService("secret", mock))
	body, _ := json.Marshal(RegisterRequest{Email: "user@example.com", Password: "secret1"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict")
	}
}

func TestAuthRefreshInvalidToken(t *testing.T) {
	app := newAuthApp(NewService("test-secret", nil))

	body := []byte(`{"refresh_token":"bad"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestAuthRefreshSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	svc := NewService("secret", mock)

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	refresh, err := svc.GenerateTokens(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("generate tokens: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked_at`).
		WithArgs(refresh.RefreshToken).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).AddRow("user-1", time.Now().Add(5*time.Minute)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	app := newAuthApp(svc)

	body, _ := json.Marshal(map[string]string{"refresh_token": refresh.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status: %v", err)
	}
	var rotated TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.RefreshToken == refresh.RefreshToken {
		t.Fatalf("expected refresh token to rotate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthRefreshTokenIsSingleUse(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	svc := NewService("secret", mock)
	refresh, err := svc.signToken("user-1", refreshTokenTTL)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked_at`).
		WithArgs(refresh).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).AddRow("user-1", time.Now().Add(time.Hour)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	// The first exchange revoked the row, so the second update matches nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked_at`).
		WithArgs(refresh).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	app := newAuthApp(svc)
	body, _ := json.Marshal(map[string]string{"refresh_token": refresh})

	for i, want := range []int{http.StatusOK, http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		if resp.StatusCode != want {
			t.Fatalf("refresh %d: expected %d, got %d", i, want, resp.StatusCode)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthLogout(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs("refresh-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	app := newAuthApp(NewService("secret", mock))
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", bytes.NewReader([]byte(`{"refresh_token":"refresh-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected no content")
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
}

func TestAuthMe(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	svc := NewService("secret", mock)
	token, _ := svc.signToken("user-1", accessTokenTTL)

	now := time.Now()
	mock.ExpectQuery(`SELECT id, email, display_name, photo_url`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "display_name", "photo_url", "created_at", "updated_at"}).
			AddRow("user-1", "user@example.com", "", "", now, now))
	mock.ExpectQuery(`SELECT id, email, display_name, photo_url`).
		WithArgs("user-1").
		WillReturnError(pgErr)

	app := newAuthApp(svc)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected profile")
	}
	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil || user.ID != "user-1" {
		t.Fatalf("unexpected profile body")
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found")
	}
}

func TestAuthRegisterBadPayload(t *testing.T) {
	app := newAuthApp(NewService("secret", nil))

	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader([]byte("{bad")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
}

func TestAuthLoginBadRequest(t *testing.T) {
	app := newAuthApp(NewService("secret", nil))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader([]byte(`{"email":""}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
}

func TestAuthRefreshBadRequest(t *testing.T) {
	app := newAuthApp(NewService("secret", nil))

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
}

func TestAuthVerifyMissingBearer(t *testing.T) {
	app := newAuthApp(NewService("secret", nil))

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestAuthVerifyInvalidToken(t *testing.T) {
	app := newAuthApp(NewService("secret", nil))

	req := httptest.NewRequest(http.MethodGet, "/auth/jwt/verify", nil)
	req.Header.Set("Authorization", "Bearer bad")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestParseBearer(t *testing.T) {
	if parseBearer("bad") != "" {
		t.Fatalf("expected empty token")
	}
	if parseBearer("Bearer token") != "token" {
		t.Fatalf("expected token")
	}
}

func TestAuthRegisterServiceError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "user@example.com", pgxmock.AnyArg(), "").
		WillReturnError(pgErr)

	app := newAuthApp(NewService("secret", mock))

	body, _ := json.Marshal(RegisterRequest{Email: "user@example.com", Password: "secret1"})
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected register error")
	}
}

func TestAuthLoginUnauthorized(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	hash, _ := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.DefaultCost)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WithArgs("user@example.com").
		WillReturnRows(pgxmock.NewRows(userColumns).
			AddRow("user-1", "user@example.com", string(hash), "", "", time.Now(), time.Now()))

	app := newAuthApp(NewService("secret", mock))

	body, _ := json.Marshal(LoginRequest{Email: "user@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestAuthRefreshGenerateTokensError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	svc := NewService("secret", mock)
	refresh, err := svc.signToken("user-1", refreshTokenTTL)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked_at`).
		WithArgs(refresh).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).AddRow("user-1", time.Now().Add(time.Minute)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgErr)
	mock.ExpectRollback()

	app := newAuthApp(svc)

	body, _ := json.Marshal(map[string]string{"refresh_token": refresh})
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected refresh error")
	}
}
