// Package auth issues and verifies session tokens and checks passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/snie2012/family-chat-local-ai/api"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used for stored password hashes.
const DefaultCost = 12

var avatarColors = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// A Store looks up and creates users.
type Store interface {
	GetUser(ctx context.Context, id string) (api.User, error)
	FindCredentials(ctx context.Context, username string) (api.User, string, error)
	InsertUser(ctx context.Context, nu api.NewUser) (api.User, error)
}

type claims struct {
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Service authenticates users with HS256 tokens and bcrypt password hashes.
type Service struct {
	Logger *slog.Logger
	Store  Store
	Secret []byte
	Expiry time.Duration
	Cost   int

	now func() time.Time
}

// New returns a Service signing tokens with secret that expire after expiry.
func New(logger *slog.Logger, store Store, secret string, expiry time.Duration) *Service {
	return &Service{
		Logger: logger,
		Store:  store,
		Secret: []byte(secret),
		Expiry: expiry,
		Cost:   DefaultCost,
		now:    time.Now,
	}
}

// HashPassword returns the bcrypt hash of password.
func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Issue signs a token for u.
func (s *Service) Issue(u api.User) (string, error) {
	now := s.now()
	c := claims{
		UserID:  u.ID,
		IsAdmin: u.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return token, nil
}

// Authenticate verifies token and returns the identity of its user. The user
// must still exist; admin rights are taken from the stored user.
func (s *Service) Authenticate(ctx context.Context, token string) (api.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return api.Identity{}, fmt.Errorf("%w: %w", api.ErrInvalidToken, err)
	}
	if c.UserID == "" {
		return api.Identity{}, fmt.Errorf("%w: missing user id", api.ErrInvalidToken)
	}

	u, err := s.Store.GetUser(ctx, c.UserID)
	if errors.Is(err, api.ErrNotFound) {
		return api.Identity{}, fmt.Errorf("%w: unknown user", api.ErrInvalidToken)
	}
	if err != nil {
		return api.Identity{}, fmt.Errorf("get user: %w", err)
	}
	return api.Identity{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		IsAdmin:     u.IsAdmin,
	}, nil
}

// Login checks the password of username and returns the user with a fresh
// token. Users without a password, such as the assistant, cannot log in.
func (s *Service) Login(ctx context.Context, username, password string) (api.User, string, error) {
	u, hash, err := s.Store.FindCredentials(ctx, username)
	if errors.Is(err, api.ErrNotFound) {
		return api.User{}, "", api.ErrInvalidCredentials
	}
	if err != nil {
		return api.User{}, "", fmt.Errorf("find credentials: %w", err)
	}
	if hash == "" {
		return api.User{}, "", api.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return api.User{}, "", api.ErrInvalidCredentials
	}

	token, err := s.Issue(u)
	if err != nil {
		return api.User{}, "", err
	}
	s.Logger.Info("User logged in", "userID", u.ID)
	return u, token, nil
}

// Register hashes password and creates the user. A random avatar color is
// picked when none is given.
func (s *Service) Register(ctx context.Context, nu api.NewUser, password string) (api.User, error) {
	hash, err := s.HashPassword(password)
	if err != nil {
		return api.User{}, err
	}
	nu.PasswordHash = hash
	if nu.AvatarColor == "" {
		nu.AvatarColor = avatarColors[rand.IntN(len(avatarColors))]
	}

	u, err := s.Store.InsertUser(ctx, nu)
	if err != nil {
		return api.User{}, fmt.Errorf("insert user: %w", err)
	}
	s.Logger.Info("User registered", "userID", u.ID, "username", u.Username)
	return u, nil
}
