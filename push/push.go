// Package push delivers web push notifications to members who are not
// looking at a conversation.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/metrics"
	"golang.org/x/sync/errgroup"
)

// Persisted keys of the VAPID key pair.
const (
	keyVAPIDPublic  = "push.vapid_public_key"
	keyVAPIDPrivate = "push.vapid_private_key"
)

// DefaultSubject identifies the sender to push services.
const DefaultSubject = "mailto:admin@family-chat.local"

const (
	ttlSeconds  = 24 * 60 * 60
	concurrency = 8
)

// A Store persists the VAPID keys and the users' push subscriptions.
type Store interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, kv map[string]string) error
	PushSubscriptions(ctx context.Context, userIDs []string) ([]api.PushSubscription, error)
	DeletePushSubscriptions(ctx context.Context, endpoints []string) error
}

// Service sends notifications signed with the server's VAPID keys.
type Service struct {
	Logger     *slog.Logger
	Store      Store
	Subject    string
	HTTPClient webpush.HTTPClient
	Metrics    *metrics.Metrics

	mu         sync.RWMutex
	publicKey  string
	privateKey string
}

// New returns a Service. Init must be called before sending.
func New(logger *slog.Logger, store Store, subject string) *Service {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Service{
		Logger:     logger,
		Store:      store,
		Subject:    subject,
		HTTPClient: http.DefaultClient,
	}
}

// Init loads the VAPID key pair, generating and persisting one on first use.
func (s *Service) Init(ctx context.Context) error {
	kv, err := s.Store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	pub, priv := kv[keyVAPIDPublic], kv[keyVAPIDPrivate]
	if pub == "" || priv == "" {
		priv, pub, err = webpush.GenerateVAPIDKeys()
		if err != nil {
			return fmt.Errorf("generate vapid keys: %w", err)
		}
		if err := s.Store.SaveSettings(ctx, map[string]string{
			keyVAPIDPublic:  pub,
			keyVAPIDPrivate: priv,
		}); err != nil {
			return fmt.Errorf("save vapid keys: %w", err)
		}
		s.Logger.Info("Generated new VAPID keys")
	}

	s.mu.Lock()
	s.publicKey, s.privateKey = pub, priv
	s.mu.Unlock()
	s.Logger.Info("Push service initialized")
	return nil
}

// PublicKey returns the VAPID public key clients subscribe with, or an empty
// string before Init.
func (s *Service) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey
}

// SendToUsers delivers n to every subscription of the users. Delivery is best
// effort: failures are logged, and subscriptions the push service reports as
// gone are deleted.
func (s *Service) SendToUsers(ctx context.Context, userIDs []string, n api.PushNotification) error {
	s.mu.RLock()
	pub, priv := s.publicKey, s.privateKey
	s.mu.RUnlock()
	if pub == "" || len(userIDs) == 0 {
		return nil
	}

	subs, err := s.Store.PushSubscriptions(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	opts := &webpush.Options{
		HTTPClient:      s.HTTPClient,
		Subscriber:      s.Subject,
		TTL:             ttlSeconds,
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
	}

	var (
		mu   sync.Mutex
		gone []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			status, err := s.send(gctx, payload, sub, opts)
			switch {
			case err != nil:
				s.Logger.Warn("Could not send push notification", "userID", sub.UserID, "error", err.Error())
				s.Metrics.Push("failed")
			case status == http.StatusNotFound || status == http.StatusGone:
				mu.Lock()
				gone = append(gone, sub.Endpoint)
				mu.Unlock()
				s.Metrics.Push("gone")
			case status >= 400:
				s.Logger.Warn("Push service rejected notification", "userID", sub.UserID, "status", status)
				s.Metrics.Push("failed")
			default:
				s.Metrics.Push("sent")
			}
			// Failures of one subscription never cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	if len(gone) > 0 {
		if err := s.Store.DeletePushSubscriptions(ctx, gone); err != nil {
			return fmt.Errorf("delete expired subscriptions: %w", err)
		}
		s.Logger.Info("Removed expired push subscriptions", "count", len(gone))
	}
	return nil
}

func (s *Service) send(ctx context.Context, payload []byte, sub api.PushSubscription, opts *webpush.Options) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, opts)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
