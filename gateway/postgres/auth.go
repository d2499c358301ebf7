package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/egor/planmovil/gateway"
)

// Claims - содержимое access token. ID (jti) совпадает с auth_sessions.id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

var (
	errInvalidCredentials = &gateway.Error{Code: "invalid_credentials", Message: "Invalid login credentials", StatusCode: http.StatusBadRequest}
	errInvalidToken       = &gateway.Error{Code: "bad_jwt", Message: "invalid JWT", StatusCode: http.StatusUnauthorized}
)

func (g *Gateway) SignUp(ctx context.Context, email, password string) (*gateway.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id := uuid.New()
	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := g.db.ExecContext(qctx,
		"INSERT INTO auth_users (id, email, password_hash) VALUES ($1, $2, $3)",
		id.String(), email, string(hash),
	); err != nil {
		if gateway.IsUniqueViolation(mapError(err)) {
			return nil, &gateway.Error{Code: "user_already_exists", Message: "User already registered", StatusCode: http.StatusUnprocessableEntity}
		}
		return nil, mapError(err)
	}
	return g.issueSession(ctx, id.String(), email)
}

func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	var id, hash string
	err := g.db.QueryRowContext(qctx,
		"SELECT id::text, password_hash FROM auth_users WHERE email = $1", email,
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, mapError(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}
	return g.issueSession(ctx, id, email)
}

func (g *Gateway) issueSession(ctx context.Context, userID, email string) (*gateway.Session, error) {
	jti := uuid.New().String()
	now := time.Now()
	exp := now.Add(g.cfg.TokenTTL)

	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := g.db.ExecContext(qctx,
		"INSERT INTO auth_sessions (id, user_id, expires_at) VALUES ($1, $2, $3)",
		jti, userID, exp,
	); err != nil {
		return nil, mapError(err)
	}

	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "planmovil",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &gateway.Session{
		AccessToken: token,
		ExpiresAt:   exp.Unix(),
		User:        gateway.User{ID: userID, Email: email},
	}, nil
}

// parseToken проверяет подпись и срок действия токена
func (g *Gateway) parseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем, что используется правильный алгоритм подписи
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.cfg.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ID == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (g *Gateway) SignOut(ctx context.Context, token string) error {
	claims, err := g.parseToken(token)
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := g.db.ExecContext(qctx, "DELETE FROM auth_sessions WHERE id = $1", claims.ID); err != nil {
		return mapError(err)
	}
	return nil
}

func (g *Gateway) GetUser(ctx context.Context, token string) (*gateway.User, error) {
	claims, err := g.parseToken(token)
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	var u gateway.User
	err = g.db.QueryRowContext(qctx, `
		SELECT u.id::text, u.email
		  FROM auth_sessions s
		  JOIN auth_users u ON u.id = s.user_id
		 WHERE s.id = $1 AND s.expires_at > now()`, claims.ID,
	).Scan(&u.ID, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidToken
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

func (g *Gateway) DeleteUser(ctx context.Context, userID string) error {
	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := g.db.ExecContext(qctx, "DELETE FROM auth_users WHERE id = $1", userID); err != nil {
		return mapError(err)
	}
	return nil
}

// CreateUser заводит пользователя без сессии (сид асесора в scripts/initdb)
func (g *Gateway) CreateUser(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	qctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	var id string
	err = g.db.QueryRowContext(qctx, `
		INSERT INTO auth_users (id, email, password_hash) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING id::text`,
		uuid.New().String(), email, string(hash),
	).Scan(&id)
	if err != nil {
		return "", mapError(err)
	}
	return id, nil
}
