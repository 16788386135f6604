package devices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"

	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

// ErrDecommissioned is returned for operations on a retired device.
var ErrDecommissioned = errors.New("device is decommissioned")

// Update carries the mutable device fields. Nil fields are left unchanged.
type Update struct {
	Name     *string           `json:"name,omitempty"`
	Firmware *string           `json:"firmware,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service manages IoT devices, telemetry, commands and alert rules.
type Service struct {
	store storage.DeviceStore
	bus   events.Publisher
	log   *logger.Logger
	now   func() time.Time

	mu sync.Mutex
}

// New constructs a device service.
func New(store storage.DeviceStore, bus events.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("devices")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{store: store, bus: bus, log: log, now: time.Now}
}

// Register creates a device in the registered state.
func (s *Service) Register(ctx context.Context, dev device.Device) (device.Device, error) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.Owner = strings.TrimSpace(dev.Owner)
	if dev.Owner == "" {
		return device.Device{}, fmt.Errorf("owner is required")
	}
	if dev.Name == "" {
		return device.Device{}, fmt.Errorf("name is required")
	}
	if dev.Type == "" {
		dev.Type = "generic"
	}
	now := s.now().UTC()
	dev.ID = uuid.NewString()
	dev.Status = device.StatusRegistered
	dev.LastSeenAt = nil
	dev.CreatedAt = now
	dev.UpdatedAt = now

	created, err := s.store.CreateDevice(ctx, dev)
	if err != nil {
		return device.Device{}, err
	}
	s.publish(ctx, "device.registered", created)
	s.log.WithField("device_id", created.ID).WithField("owner", created.Owner).Info("device registered")
	return created, nil
}

// Get returns a device.
func (s *Service) Get(ctx context.Context, id string) (device.Device, error) {
	return s.store.GetDevice(ctx, id)
}

// List returns devices, optionally restricted to one owner.
func (s *Service) List(ctx context.Context, owner string) ([]device.Device, error) {
	return s.store.ListDevices(ctx, owner)
}

// Update applies a partial update.
func (s *Service) Update(ctx context.Context, id string, upd Update) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.active(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return device.Device{}, fmt.Errorf("name must not be empty")
		}
		dev.Name = name
	}
	if upd.Firmware != nil {
		dev.Firmware = strings.TrimSpace(*upd.Firmware)
	}
	if upd.Metadata != nil {
		if dev.Metadata == nil {
			dev.Metadata = map[string]string{}
		}
		for k, v := range upd.Metadata {
			if v == "" {
				delete(dev.Metadata, k)
				continue
			}
			dev.Metadata[k] = v
		}
	}
	dev.UpdatedAt = s.now().UTC()
	return s.store.UpdateDevice(ctx, dev)
}

// AttachCertificate records the serial of a certificate issued to the device.
func (s *Service) AttachCertificate(ctx context.Context, id, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	dev.CertificateSerial = serial
	dev.UpdatedAt = s.now().UTC()
	_, err = s.store.UpdateDevice(ctx, dev)
	return err
}

// Decommission retires a device permanently.
func (s *Service) Decommission(ctx context.Context, id string) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.active(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	dev.Status = device.StatusDecommissioned
	dev.UpdatedAt = s.now().UTC()
	updated, err := s.store.UpdateDevice(ctx, dev)
	if err != nil {
		return device.Device{}, err
	}
	s.publish(ctx, "device.decommissioned", updated)
	return updated, nil
}

// Heartbeat marks the device online and refreshes last_seen_at.
func (s *Service) Heartbeat(ctx context.Context, id string) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touch(ctx, id)
}

func (s *Service) touch(ctx context.Context, id string) (device.Device, error) {
	dev, err := s.active(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	now := s.now().UTC()
	wasOnline := dev.Status == device.StatusOnline
	dev.Status = device.StatusOnline
	dev.LastSeenAt = &now
	dev.UpdatedAt = now
	updated, err := s.store.UpdateDevice(ctx, dev)
	if err != nil {
		return device.Device{}, err
	}
	if !wasOnline {
		s.publish(ctx, "device.online", updated)
	}
	return updated, nil
}

// IngestTelemetry stores a reading, marks the device online and evaluates
// the device's rules against the payload. It returns the stored reading and
// any alerts raised.
func (s *Service) IngestTelemetry(ctx context.Context, id string, payload map[string]any) (device.Telemetry, []device.Alert, error) {
	if len(payload) == 0 {
		return device.Telemetry{}, nil, fmt.Errorf("payload is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.touch(ctx, id); err != nil {
		return device.Telemetry{}, nil, err
	}

	now := s.now().UTC()
	reading := device.Telemetry{
		ID:         uuid.NewString(),
		DeviceID:   id,
		Payload:    payload,
		RecordedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if v, ok := toFloat(payload["value"]); ok {
		reading.Value = &v
	}
	reading, err := s.store.AddTelemetry(ctx, reading)
	if err != nil {
		return device.Telemetry{}, nil, err
	}
	metrics.RecordTelemetry()
	s.publish(ctx, "device.telemetry", reading)

	alerts, err := s.evaluateRules(ctx, reading)
	if err != nil {
		s.log.WithError(err).WithField("device_id", id).Warn("evaluate telemetry rules")
	}
	return reading, alerts, nil
}

func (s *Service) evaluateRules(ctx context.Context, reading device.Telemetry) ([]device.Alert, error) {
	rules, err := s.store.ListRules(ctx, reading.DeviceID)
	if err != nil {
		return nil, err
	}
	var alerts []device.Alert
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		raw, err := jsonpath.Get(rule.Path, map[string]interface{}(reading.Payload))
		if err != nil {
			continue
		}
		value, ok := toFloat(raw)
		if !ok || !compare(rule.Op, value, rule.Threshold) {
			continue
		}
		now := s.now().UTC()
		alert, err := s.store.AddAlert(ctx, device.Alert{
			ID:          uuid.NewString(),
			DeviceID:    reading.DeviceID,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			TelemetryID: reading.ID,
			Value:       value,
			Op:          rule.Op,
			Threshold:   rule.Threshold,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return alerts, err
		}
		alerts = append(alerts, alert)
		s.publish(ctx, "device.alert", alert)
	}
	return alerts, nil
}

// ListTelemetry returns the newest readings, oldest first.
func (s *Service) ListTelemetry(ctx context.Context, id string, limit int) ([]device.Telemetry, error) {
	if _, err := s.store.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTelemetry(ctx, id, limit)
}

// QueueCommand stores a pending command for the device.
func (s *Service) QueueCommand(ctx context.Context, id, name string, args map[string]any) (device.Command, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return device.Command{}, fmt.Errorf("command name is required")
	}
	if _, err := s.active(ctx, id); err != nil {
		return device.Command{}, err
	}
	now := s.now().UTC()
	cmd, err := s.store.SaveCommand(ctx, device.Command{
		ID:        uuid.NewString(),
		DeviceID:  id,
		Name:      name,
		Args:      args,
		Status:    device.CommandPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return device.Command{}, err
	}
	s.publish(ctx, "device.command", cmd)
	return cmd, nil
}

// PendingCommands returns queued commands and marks them delivered.
func (s *Service) PendingCommands(ctx context.Context, id string) ([]device.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.active(ctx, id); err != nil {
		return nil, err
	}
	cmds, err := s.store.ListCommands(ctx, id, device.CommandPending)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range cmds {
		cmds[i].Status = device.CommandDelivered
		cmds[i].DeliveredAt = &now
		cmds[i].UpdatedAt = now
		if _, err := s.store.SaveCommand(ctx, cmds[i]); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

// AckCommand records the device's result for a delivered command.
func (s *Service) AckCommand(ctx context.Context, id, commandID string, result map[string]any) (device.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.active(ctx, id); err != nil {
		return device.Command{}, err
	}
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return device.Command{}, err
	}
	if cmd.DeviceID != id {
		return device.Command{}, fmt.Errorf("command %s: %w", commandID, storage.ErrNotFound)
	}
	if cmd.Status == device.CommandAcked {
		return device.Command{}, fmt.Errorf("command %s already acknowledged", commandID)
	}
	now := s.now().UTC()
	cmd.Status = device.CommandAcked
	cmd.Result = result
	cmd.AckedAt = &now
	cmd.UpdatedAt = now
	return s.store.SaveCommand(ctx, cmd)
}

// AddRule attaches a threshold rule evaluated against every reading.
func (s *Service) AddRule(ctx context.Context, id string, rule device.Rule) (device.Rule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.Path = strings.TrimSpace(rule.Path)
	if rule.Name == "" {
		return device.Rule{}, fmt.Errorf("rule name is required")
	}
	if !strings.HasPrefix(rule.Path, "$") {
		return device.Rule{}, fmt.Errorf("rule path must be a JSONPath starting with $")
	}
	if _, err := jsonpath.New(rule.Path); err != nil {
		return device.Rule{}, fmt.Errorf("invalid rule path: %w", err)
	}
	switch rule.Op {
	case device.OpGreater, device.OpGreaterEqual, device.OpLess, device.OpLessEqual, device.OpEqual:
	default:
		return device.Rule{}, fmt.Errorf("unsupported rule op %q", rule.Op)
	}
	if _, err := s.active(ctx, id); err != nil {
		return device.Rule{}, err
	}
	now := s.now().UTC()
	rule.ID = uuid.NewString()
	rule.DeviceID = id
	rule.Enabled = true
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return s.store.SaveRule(ctx, rule)
}

// ListRules returns the device's rules.
func (s *Service) ListRules(ctx context.Context, id string) ([]device.Rule, error) {
	return s.store.ListRules(ctx, id)
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	return s.store.DeleteRule(ctx, ruleID)
}

// ListAlerts returns the newest alerts for a device.
func (s *Service) ListAlerts(ctx context.Context, id string, limit int) ([]device.Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListAlerts(ctx, id, limit)
}

// SweepOffline marks online devices not seen within threshold as offline.
func (s *Service) SweepOffline(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("threshold must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devs, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	cutoff := now.Add(-threshold)
	swept := 0
	for _, dev := range devs {
		if dev.Status != device.StatusOnline || dev.LastSeenAt == nil || dev.LastSeenAt.After(cutoff) {
			continue
		}
		dev.Status = device.StatusOffline
		dev.UpdatedAt = now
		updated, err := s.store.UpdateDevice(ctx, dev)
		if err != nil {
			return swept, err
		}
		swept++
		s.publish(ctx, "device.offline", updated)
	}
	if swept > 0 {
		s.log.WithField("count", swept).Info("devices marked offline")
	}
	return swept, nil
}

func (s *Service) active(ctx context.Context, id string) (device.Device, error) {
	dev, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	if dev.Status == device.StatusDecommissioned {
		return device.Device{}, ErrDecommissioned
	}
	return dev, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish device event")
	}
}

func compare(op string, value, threshold float64) bool {
	switch op {
	case device.OpGreater:
		return value > threshold
	case device.OpGreaterEqual:
		return value >= threshold
	case device.OpLess:
		return value < threshold
	case device.OpLessEqual:
		return value <= threshold
	case device.OpEqual:
		return value == threshold
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
