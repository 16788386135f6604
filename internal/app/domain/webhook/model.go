package webhook

import "time"

// Subscription kinds.
const (
	KindWebhook   = "webhook"
	KindConnector = "connector"
)

// Connector systems.
const (
	SystemERP   = "erp"
	SystemCRM   = "crm"
	SystemCloud = "cloud"
)

// Subscription routes matching bus events to an HTTP endpoint.
type Subscription struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Name        string            `json:"name,omitempty"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret"`
	Kind        string            `json:"kind"`
	System      string            `json:"system,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one event queued for a subscription.
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	Topic          string     `json:"topic"`
	Body           string     `json:"body"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
