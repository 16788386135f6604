package device

import "time"

// Status values for a device.
type Status string

const (
	StatusRegistered     Status = "registered"
	StatusOnline         Status = "online"
	StatusOffline        Status = "offline"
	StatusDecommissioned Status = "decommissioned"
)

// Device is a registered IoT device.
type Device struct {
	ID                string            `json:"id"`
	Owner             string            `json:"owner"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	Firmware          string            `json:"firmware"`
	Status            Status            `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CertificateSerial string            `json:"certificate_serial,omitempty"`
	LastSeenAt        *time.Time        `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Telemetry is one reading reported by a device.
type Telemetry struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Payload    map[string]any `json:"payload"`
	Value      *float64       `json:"value,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Command states.
const (
	CommandPending   = "pending"
	CommandDelivered = "delivered"
	CommandAcked     = "acked"
)

// Command is an instruction queued for a device.
type Command struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	AckedAt     *time.Time     `json:"acked_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Rule comparison operators.
const (
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpEqual        = "eq"
)

// Rule raises an alert when the value at Path compares true against Threshold.
type Rule struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Threshold float64   `json:"threshold"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Alert records a rule match.
type Alert struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	TelemetryID string    `json:"telemetry_id"`
	Value       float64   `json:"value"`
	Op          string    `json:"op"`
	Threshold   float64   `json:"threshold"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
