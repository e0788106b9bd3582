package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
	"github.com/snie2012/family-chat-local-ai/api"
	"golang.org/x/crypto/bcrypt"
)

const secret = "0123456789abcdef0123456789abcdef"

var alice = api.User{
	ID:          "8d3c7d6e-6f3a-4a49-9c1e-7a1f0c5b2e11",
	Username:    "alice",
	DisplayName: "Alice",
	IsAdmin:     true,
}

func newService(t *testing.T, store *teststore) *Service {
	t.Helper()
	store.T = t
	s := New(slogt.New(t), store, secret, time.Hour)
	s.Cost = bcrypt.MinCost
	return s
}

func TestService_Authenticate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &teststore{
		getUser: func(t *testing.T, id string) (api.User, error) {
			if id != alice.ID {
				return api.User{}, api.ErrNotFound
			}
			return alice, nil
		},
	}
	s := newService(t, store)
	s.now = func() time.Time { return now }

	valid, err := s.Issue(alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	unknown, err := s.Issue(api.User{ID: "ghost"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:           alice.ID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{UserID: alice.ID}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		advance time.Duration
		want    api.Identity
		wantErr error
	}{
		{
			name:  "Valid",
			token: valid,
			want:  api.Identity{UserID: alice.ID, Username: "alice", DisplayName: "Alice", IsAdmin: true},
		},
		{
			name:    "Expired",
			token:   valid,
			advance: 2 * time.Hour,
			wantErr: api.ErrInvalidToken,
		},
		{
			name:    "WrongKey",
			token:   otherKey,
			wantErr: api.ErrInvalidToken,
		},
		{
			name:    "NoExpiry",
			token:   noExpiry,
			wantErr: api.ErrInvalidToken,
		},
		{
			name:    "UnknownUser",
			token:   unknown,
			wantErr: api.ErrInvalidToken,
		},
		{
			name:    "Garbage",
			token:   "not.a.token",
			wantErr: api.ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.T = t
			s.now = func() time.Time { return now.Add(tt.advance) }

			got, err := s.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Authenticate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestService_Login(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		username string
		password string
		find     func(t *testing.T, username string) (api.User, string, error)
		wantErr  error
	}{
		{
			name:     "OK",
			username: "alice",
			password: "correct horse",
			find: func(t *testing.T, username string) (api.User, string, error) {
				return alice, string(hash), nil
			},
		},
		{
			name:     "WrongPassword",
			username: "alice",
			password: "battery staple",
			find: func(t *testing.T, username string) (api.User, string, error) {
				return alice, string(hash), nil
			},
			wantErr: api.ErrInvalidCredentials,
		},
		{
			name:     "UnknownUser",
			username: "mallory",
			password: "correct horse",
			find: func(t *testing.T, username string) (api.User, string, error) {
				return api.User{}, "", api.ErrNotFound
			},
			wantErr: api.ErrInvalidCredentials,
		},
		{
			name:     "NoPassword",
			username: "ai",
			password: "",
			find: func(t *testing.T, username string) (api.User, string, error) {
				return api.User{ID: api.BotUserID, Username: "ai", IsBot: true}, "", nil
			},
			wantErr: api.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t, &teststore{
				findCredentials: tt.find,
				getUser: func(t *testing.T, id string) (api.User, error) {
					return alice, nil
				},
			})

			u, token, err := s.Login(context.Background(), tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if u.ID != alice.ID {
				t.Errorf("Login() user = %q, want %q", u.ID, alice.ID)
			}
			id, err := s.Authenticate(context.Background(), token)
			if err != nil {
				t.Fatalf("issued token rejected: %v", err)
			}
			if id.UserID != alice.ID {
				t.Errorf("token user = %q, want %q", id.UserID, alice.ID)
			}
		})
	}
}

func TestService_Register(t *testing.T) {
	var inserted api.NewUser
	s := newService(t, &teststore{
		insertUser: func(t *testing.T, nu api.NewUser) (api.User, error) {
			inserted = nu
			return api.User{ID: "new", Username: nu.Username, DisplayName: nu.DisplayName}, nil
		},
	})

	u, err := s.Register(context.Background(), api.NewUser{Username: "bob", DisplayName: "Bob"}, "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID != "new" {
		t.Errorf("Register() id = %q, want %q", u.ID, "new")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(inserted.PasswordHash), []byte("hunter2hunter2")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
	if inserted.AvatarColor == "" {
		t.Error("no avatar color assigned")
	}
}

func TestService_RegisterConflict(t *testing.T) {
	s := newService(t, &teststore{
		insertUser: func(t *testing.T, nu api.NewUser) (api.User, error) {
			return api.User{}, api.ErrConflict
		},
	})

	_, err := s.Register(context.Background(), api.NewUser{Username: "bob", DisplayName: "Bob"}, "hunter2hunter2")
	if !errors.Is(err, api.ErrConflict) {
		t.Errorf("Register() error = %v, want %v", err, api.ErrConflict)
	}
}

type teststore struct {
	T               *testing.T
	getUser         func(t *testing.T, id string) (api.User, error)
	findCredentials func(t *testing.T, username string) (api.User, string, error)
	insertUser      func(t *testing.T, nu api.NewUser) (api.User, error)
}

func (s *teststore) GetUser(_ context.Context, id string) (api.User, error) {
	return s.getUser(s.T, id)
}

func (s *teststore) FindCredentials(_ context.Context, username string) (api.User, string, error) {
	return s.findCredentials(s.T, username)
}

func (s *teststore) InsertUser(_ context.Context, nu api.NewUser) (api.User, error) {
	return s.insertUser(s.T, nu)
}
