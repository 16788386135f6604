package analytics

import "time"

// Model kinds.
const (
	KindAnomaly  = "anomaly"
	KindForecast = "forecast"
)

// Model is a persisted, versioned fit for one device.
type Model struct {
	ID         string             `json:"id"`
	DeviceID   string             `json:"device_id"`
	Kind       string             `json:"kind"`
	Version    int                `json:"version"`
	Samples    int                `json:"samples"`
	Parameters map[string]float64 `json:"parameters"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Anomaly is a reading flagged by z-score.
type Anomaly struct {
	TelemetryID string    `json:"telemetry_id"`
	Value       float64   `json:"value"`
	ZScore      float64   `json:"z_score"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// AnomalyReport is the result of an anomaly scan.
type AnomalyReport struct {
	DeviceID  string    `json:"device_id"`
	Samples   int       `json:"samples"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stddev"`
	Threshold float64   `json:"threshold"`
	Anomalies []Anomaly `json:"anomalies"`
	Model     Model     `json:"model"`
}

// Point is one forecast value.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// Forecast is a linear projection of a device's readings.
type Forecast struct {
	DeviceID  string  `json:"device_id"`
	Samples   int     `json:"samples"`
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
	RSquared  float64 `json:"r_squared"`
	Points    []Point `json:"points"`
	Model     Model   `json:"model"`
}

// NetworkStats summarises recent chain activity.
type NetworkStats struct {
	Blocks            int     `json:"blocks"`
	Transactions      int     `json:"transactions"`
	TxPerBlock        float64 `json:"tx_per_block"`
	AvgGasPerBlock    float64 `json:"avg_gas_per_block"`
	AvgBlockInterval  float64 `json:"avg_block_interval_seconds"`
	ActiveValidators  int     `json:"active_validators"`
	DistinctProposers int     `json:"distinct_proposers"`
}
