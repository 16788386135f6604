package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	domain "github.com/quantumshield/backend/internal/app/domain/webhook"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

// Header names sent with every webhook delivery.
const (
	HeaderSignature = "X-QuantumShield-Signature"
	HeaderEvent     = "X-QuantumShield-Event"
	HeaderDelivery  = "X-QuantumShield-Delivery"

	TestTopic = "webhook.test"
)

// Backoff is the wait before each retry. A delivery that still fails after
// the last entry is marked failed.
var Backoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour}

const maxParallelDeliveries = 8

// Config controls outbound delivery.
type Config struct {
	Timeout time.Duration
}

// CreateRequest describes a subscription.
type CreateRequest struct {
	Owner       string            `json:"owner"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret"`
	Kind        string            `json:"kind"`
	System      string            `json:"system"`
	BearerToken string            `json:"bearer_token"`
	Filters     map[string]string `json:"filters"`
}

// UpdateRequest carries optional subscription changes.
type UpdateRequest struct {
	Name        *string           `json:"name"`
	URL         *string           `json:"url"`
	Events      []string          `json:"events"`
	Secret      *string           `json:"secret"`
	BearerToken *string           `json:"bearer_token"`
	Filters     map[string]string `json:"filters"`
	Active      *bool             `json:"active"`
}

// Audience reports whether the owner of a subscription may receive evt.
type Audience interface {
	Visible(ctx context.Context, owner string, evt events.Event) bool
}

// Service stores subscriptions and delivers matching events to them.
type Service struct {
	store    storage.WebhookStore
	audience Audience
	client   *http.Client
	log    *logger.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs the webhook service. A nil client gets one with cfg.Timeout.
func New(store storage.WebhookStore, client *http.Client, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("webhooks")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Service{store: store, client: client, log: log, now: time.Now}
}

// AttachAudience scopes event fan-out to what each subscription owner may
// see. Without one every matching subscription receives every event.
func (s *Service) AttachAudience(a Audience) {
	s.audience = a
}

// Create registers a subscription. Webhooks without a secret get a random one.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Subscription, error) {
	sub := domain.Subscription{
		ID:          uuid.NewString(),
		Owner:       strings.TrimSpace(req.Owner),
		Name:        strings.TrimSpace(req.Name),
		URL:         strings.TrimSpace(req.URL),
		Events:      normalizeEvents(req.Events),
		Secret:      strings.TrimSpace(req.Secret),
		Kind:        strings.ToLower(strings.TrimSpace(req.Kind)),
		System:      strings.ToLower(strings.TrimSpace(req.System)),
		BearerToken: strings.TrimSpace(req.BearerToken),
		Filters:     req.Filters,
		Active:      true,
	}
	if sub.Kind == "" {
		sub.Kind = domain.KindWebhook
	}
	if sub.Owner == "" {
		return domain.Subscription{}, fmt.Errorf("owner is required")
	}
	if err := validate(sub); err != nil {
		return domain.Subscription{}, err
	}
	if sub.Kind == domain.KindWebhook && sub.Secret == "" {
		sub.Secret = randomSecret()
	}
	now := s.now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	sub, err := s.store.SaveSubscription(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}
	s.log.WithField("subscription_id", sub.ID).WithField("kind", sub.Kind).Info("webhook subscription created")
	return sub, nil
}

// Update applies the non-nil fields of req.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.URL != nil {
		sub.URL = strings.TrimSpace(*req.URL)
	}
	if req.Events != nil {
		sub.Events = normalizeEvents(req.Events)
	}
	if req.Secret != nil {
		sub.Secret = strings.TrimSpace(*req.Secret)
	}
	if req.BearerToken != nil {
		sub.BearerToken = strings.TrimSpace(*req.BearerToken)
	}
	if req.Filters != nil {
		sub.Filters = req.Filters
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := validate(sub); err != nil {
		return domain.Subscription{}, err
	}
	sub.UpdatedAt = s.now().UTC()
	return s.store.SaveSubscription(ctx, sub)
}

// Delete removes a subscription.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSubscription(ctx, id)
}

// Get returns a subscription.
func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// List returns subscriptions, optionally for one owner.
func (s *Service) List(ctx context.Context, owner string) ([]domain.Subscription, error) {
	return s.store.ListSubscriptions(ctx, owner)
}

// Deliveries returns the most recent deliveries of a subscription.
func (s *Service) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.Delivery, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListDeliveries(ctx, subscriptionID, limit)
}

// HandleEvent queues and attempts a delivery for every active subscription
// matching evt. It returns the number of deliveries created.
func (s *Service) HandleEvent(ctx context.Context, evt events.Event) (int, error) {
	subs, err := s.store.ListSubscriptions(ctx, "")
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	var matched []domain.Subscription
	for _, sub := range subs {
		if !sub.Active || !subscribed(sub, evt.Topic) || !passesFilters(sub, evt.Payload) {
			continue
		}
		if s.audience != nil && !s.audience.Visible(ctx, sub.Owner, evt) {
			continue
		}
		matched = append(matched, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDeliveries)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			now := s.now().UTC()
			// The inline attempt owns the delivery until the first backoff
			// step, so RetryDue does not pick it up concurrently.
			claim := now.Add(Backoff[0])
			d, err := s.store.SaveDelivery(gctx, domain.Delivery{
				ID:             uuid.NewString(),
				SubscriptionID: sub.ID,
				EventID:        evt.ID,
				Topic:          evt.Topic,
				Body:           string(body),
				Status:         domain.DeliveryPending,
				NextAttemptAt:  &claim,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if err != nil {
				return err
			}
			_, err = s.attempt(gctx, sub, d)
			return err
		})
	}
	return len(matched), g.Wait()
}

// RetryDue re-attempts pending deliveries whose next attempt is due.
func (s *Service) RetryDue(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.ListDeliveriesByStatus(ctx, domain.DeliveryPending)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDeliveries)
	count := 0
	for _, d := range pending {
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		d := d
		sub, err := s.store.GetSubscription(ctx, d.SubscriptionID)
		if err != nil {
			s.log.WithError(err).WithField("delivery_id", d.ID).Warn("drop delivery for missing subscription")
			d.Status = domain.DeliveryFailed
			d.LastError = "subscription removed"
			d.NextAttemptAt = nil
			d.UpdatedAt = now.UTC()
			if _, err := s.store.SaveDelivery(ctx, d); err != nil {
				return count, err
			}
			continue
		}
		count++
		g.Go(func() error {
			_, err := s.attempt(gctx, sub, d)
			return err
		})
	}
	return count, g.Wait()
}

// Test sends a synthetic webhook.test event to one subscription, ignoring
// its event patterns and filters.
func (s *Service) Test(ctx context.Context, id string) (domain.Delivery, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return domain.Delivery{}, err
	}
	now := s.now().UTC()
	payload, _ := json.Marshal(map[string]any{"subscription_id": sub.ID, "message": "test delivery"})
	evt := events.Event{ID: uuid.NewString(), Topic: TestTopic, Payload: payload, At: now}
	body, err := json.Marshal(evt)
	if err != nil {
		return domain.Delivery{}, err
	}
	claim := now.Add(Backoff[0])
	d, err := s.store.SaveDelivery(ctx, domain.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        evt.ID,
		Topic:          evt.Topic,
		Body:           string(body),
		Status:         domain.DeliveryPending,
		NextAttemptAt:  &claim,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Delivery{}, err
	}
	return s.attempt(ctx, sub, d)
}

// attempt posts a delivery once and records the outcome.
func (s *Service) attempt(ctx context.Context, sub domain.Subscription, d domain.Delivery) (domain.Delivery, error) {
	status, sendErr := s.send(ctx, sub, d)
	now := s.now().UTC()
	d.Attempts++
	d.LastStatusCode = status
	d.UpdatedAt = now

	switch {
	case sendErr == nil:
		d.Status = domain.DeliveryDelivered
		d.DeliveredAt = &now
		d.NextAttemptAt = nil
		d.LastError = ""
		metrics.RecordWebhookDelivery("delivered")
	case d.Attempts > len(Backoff):
		d.Status = domain.DeliveryFailed
		d.NextAttemptAt = nil
		d.LastError = sendErr.Error()
		metrics.RecordWebhookDelivery("failed")
		s.log.WithError(sendErr).WithField("delivery_id", d.ID).Warn("webhook delivery failed permanently")
	default:
		next := now.Add(Backoff[d.Attempts-1])
		d.NextAttemptAt = &next
		d.LastError = sendErr.Error()
		metrics.RecordWebhookDelivery("retry")
		s.log.WithError(sendErr).WithField("delivery_id", d.ID).WithField("attempts", d.Attempts).Debug("webhook delivery will retry")
	}
	return s.store.SaveDelivery(ctx, d)
}

func (s *Service) send(ctx context.Context, sub domain.Subscription, d domain.Delivery) (int, error) {
	body := []byte(d.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "QuantumShield-Webhooks/1.0")
	req.Header.Set(HeaderEvent, d.Topic)
	req.Header.Set(HeaderDelivery, d.ID)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	}
	if sub.Kind == domain.KindConnector {
		req.Header.Set("Authorization", "Bearer "+sub.BearerToken)
		req.Header.Set("X-QuantumShield-System", sub.System)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp.StatusCode, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against body.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}

func subscribed(sub domain.Subscription, topic string) bool {
	for _, pattern := range sub.Events {
		if events.Matches(pattern, topic) {
			return true
		}
	}
	return false
}

// passesFilters requires every gjson path in the filter map to resolve to
// the expected string in the event payload.
func passesFilters(sub domain.Subscription, payload []byte) bool {
	for path, want := range sub.Filters {
		if gjson.GetBytes(payload, path).String() != want {
			return false
		}
	}
	return true
}

func validate(sub domain.Subscription) error {
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event pattern is required")
	}
	switch sub.Kind {
	case domain.KindWebhook:
	case domain.KindConnector:
		switch sub.System {
		case domain.SystemERP, domain.SystemCRM, domain.SystemCloud:
		default:
			return fmt.Errorf("connector system must be erp, crm or cloud")
		}
		if sub.BearerToken == "" {
			return fmt.Errorf("connector bearer_token is required")
		}
	default:
		return fmt.Errorf("kind must be webhook or connector")
	}
	for path := range sub.Filters {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("filter paths must not be empty")
		}
	}
	return nil
}

func normalizeEvents(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("webhooks: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}
