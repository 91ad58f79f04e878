package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"instafeed/internal/db"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL    = 15 * time.Minute
	refreshTokenTTL   = 7 * 24 * time.Hour
	minPasswordLength = 6

	uniqueViolation = "23505"
)

type Service struct {
	secret               []byte
	db                   db.Querier
	emailPasswordEnabled bool
	logger               *zap.Logger
	validate             *validator.Validate
}

type Option func(*Service)

// WithEmailPassword toggles the email/password sign-in provider.
func WithEmailPassword(enabled bool) Option {
	return func(s *Service) { s.emailPasswordEnabled = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewService(secret string, db db.Querier, opts ...Option) *Service {
	s := &Service{
		secret:               []byte(secret),
		db:                   db,
		emailPasswordEnabled: true,
		logger:               zap.NewNop(),
		validate:             validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	hashPasswordFn    = bcrypt.GenerateFromPassword
	signTokenFn       = (*Service).signToken
	parseWithClaimsFn = jwt.ParseWithClaims
)

func (s *Service) Register(ctx context.Context, req RegisterRequest) (User, TokenResponse, error) {
	if !s.emailPasswordEnabled {
		return User{}, TokenResponse{}, ErrOperationNotAllowed
	}
	email := strings.TrimSpace(req.Email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return User{}, TokenResponse{}, ErrInvalidEmail
	}
	if len(req.Password) < minPasswordLength {
		return User{}, TokenResponse{}, ErrWeakPassword
	}

	hash, err := hashPasswordFn([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, TokenResponse{}, err
	}

	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  req.DisplayName,
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, display_name)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName)
	if err := row.Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, TokenResponse{}, ErrEmailAlreadyInUse
		}
		return User{}, TokenResponse{}, fmt.Errorf("insert user: %w", err)
	}

	tokens, err := s.GenerateTokens(ctx, user.ID)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, tokens, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (User, TokenResponse, error) {
	if !s.emailPasswordEnabled {
		return User{}, TokenResponse{}, ErrOperationNotAllowed
	}
	row := s.db.QueryRow(ctx, `
		SELECT id, email, password_hash, display_name, photo_url, created_at, updated_at
		FROM users WHERE email = $1
	`, strings.TrimSpace(req.Email))

	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.PhotoURL, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, TokenResponse{}, ErrInvalidCredentials
		}
		return User{}, TokenResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return User{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, user.ID)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	return user, tokens, nil
}

// Profile returns the stored account for userID.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, display_name, photo_url, created_at, updated_at
		FROM users WHERE id = $1
	`, userID)
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PhotoURL, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

var ErrRefreshTokenInvalid = errors.New("refresh token invalid")

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Service) GenerateTokens(ctx context.Context, userID string) (TokenResponse, error) {
	return s.issueTokens(ctx, s.db, userID)
}

// RotateRefreshToken exchanges a refresh token for a new token pair. The
// presented token is revoked in the transaction that stores its replacement,
// so every refresh token works once.
func (s *Service) RotateRefreshToken(ctx context.Context, token string) (TokenResponse, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return TokenResponse{}, ErrRefreshTokenInvalid
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return TokenResponse{}, err
	}
	tokens, err := s.rotateTx(ctx, tx, token, claims.UserID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return TokenResponse{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TokenResponse{}, err
	}
	return tokens, nil
}

func (s *Service) rotateTx(ctx context.Context, tx pgx.Tx, token, userID string) (TokenResponse, error) {
	var owner string
	var expiresAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE token = $1 AND revoked_at IS NULL
		RETURNING user_id, expires_at
	`, token).Scan(&owner, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenResponse{}, ErrRefreshTokenInvalid
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if owner != userID || time.Now().After(expiresAt) {
		return TokenResponse{}, ErrRefreshTokenInvalid
	}
	return s.issueTokens(ctx, tx, userID)
}

func (s *Service) issueTokens(ctx context.Context, q execer, userID string) (TokenResponse, error) {
	access, err := signTokenFn(s, userID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh, err := signTokenFn(s, userID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := saveRefreshToken(ctx, q, refresh, userID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Logout revokes the refresh token. Revoking an unknown or already revoked
// token is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE token = $1 AND revoked_at IS NULL
	`, refreshToken)
	return err
}

func (s *Service) signToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func saveRefreshToken(ctx context.Context, q execer, token, userID string, ttl time.Duration) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), userID, token, time.Now().Add(ttl))
	return err
}
