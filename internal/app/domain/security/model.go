package security

import "time"

// Roles understood by the HTTP layer.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleUser     = "user"
)

// User is an operator or end user able to authenticate against the API.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         string     `json:"role"`
	TOTPSecret   string     `json:"totp_secret,omitempty"`
	TOTPPending  string     `json:"totp_pending,omitempty"`
	TOTPEnabled  bool       `json:"totp_enabled"`
	FailedLogins int        `json:"failed_logins"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PublicUser is the view of a User returned over the API.
type PublicUser struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	TOTPEnabled bool       `json:"totp_enabled"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Public strips credential material.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
		TOTPEnabled: u.TOTPEnabled,
		LockedUntil: u.LockedUntil,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// Locked reports whether the account is locked at now.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// APIKey is a long-lived credential. Only the SHA-256 of the key is stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"hash"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Event types recorded by the security service.
const (
	EventLoginSucceeded = "login_succeeded"
	EventLoginFailed    = "login_failed"
	EventAccountLocked  = "account_locked"
	EventUserRegistered = "user_registered"
	Event2FAEnrolled    = "2fa_enrolled"
	Event2FAEnabled     = "2fa_enabled"
	Event2FADisabled    = "2fa_disabled"
	EventAPIKeyCreated  = "api_key_created"
	EventAPIKeyRevoked  = "api_key_revoked"
)

// Event is an entry in the security audit trail.
type Event struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id,omitempty"`
	Type      string            `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ComplianceReport summarises account hygiene.
type ComplianceReport struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	TotalUsers      int            `json:"total_users"`
	UsersWith2FA    int            `json:"users_with_2fa"`
	UsersWithout2FA int            `json:"users_without_2fa"`
	LockedAccounts  int            `json:"locked_accounts"`
	ActiveAPIKeys   int            `json:"active_api_keys"`
	EventsLast24h   map[string]int `json:"events_last_24h"`
}
