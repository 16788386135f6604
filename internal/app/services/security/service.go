package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/argon2"

	domain "github.com/quantumshield/backend/internal/app/domain/security"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

var (
	// ErrInvalidCredentials is returned for unknown users or wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is locked out.
	ErrAccountLocked = errors.New("account is locked")
	// ErrOTPRequired is returned when 2FA is enabled and no code was given.
	ErrOTPRequired = errors.New("one-time code required")
	// ErrInvalidOTP is returned for a wrong one-time code.
	ErrInvalidOTP = errors.New("invalid one-time code")
	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAPIKey is returned for unknown or revoked API keys.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

const apiKeyPrefix = "qsk_"

// Config tunes authentication behaviour.
type Config struct {
	JWTSecret      string
	TokenTTL       time.Duration
	MaxFailedLogin int
	LockoutPeriod  time.Duration
	TOTPIssuer     string
}

// Claims are carried in issued JWTs.
type Claims struct {
	Role     string `json:"role"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

var defaultArgon = argonParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32, saltLen: 16}

// Service manages users, sessions, second factors and API keys.
type Service struct {
	store  storage.SecurityStore
	bus    events.Publisher
	cfg    Config
	log    *logger.Logger
	params argonParams
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a security service.
func New(store storage.SecurityStore, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("security")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.MaxFailedLogin <= 0 {
		cfg.MaxFailedLogin = 5
	}
	if cfg.LockoutPeriod <= 0 {
		cfg.LockoutPeriod = 15 * time.Minute
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "QuantumShield"
	}
	return &Service{store: store, bus: bus, cfg: cfg, log: log, params: defaultArgon, now: time.Now}
}

// Register creates a user with an argon2id password hash.
func (s *Service) Register(ctx context.Context, username, password, role string) (domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.User{}, fmt.Errorf("username is required")
	}
	if len(password) < 8 {
		return domain.User{}, fmt.Errorf("password must be at least 8 characters")
	}
	switch role {
	case "":
		role = domain.RoleUser
	case domain.RoleAdmin, domain.RoleOperator, domain.RoleUser:
	default:
		return domain.User{}, fmt.Errorf("unsupported role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return domain.User{}, fmt.Errorf("username %s already taken: %w", username, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.User{}, err
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	now := s.now().UTC()
	user, err := s.store.CreateUser(ctx, domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.User{}, err
	}
	s.record(ctx, user.ID, domain.EventUserRegistered, map[string]string{"username": username, "role": role})
	s.log.WithField("user_id", user.ID).WithField("role", role).Info("user registered")
	return user, nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil
	}
	_, err := s.Register(ctx, username, password, domain.RoleAdmin)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

// Login verifies credentials (and a TOTP code when enabled) and returns a
// signed token. Consecutive failures lock the account.
func (s *Service) Login(ctx context.Context, username, password, otp string) (string, domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		s.record(ctx, "", domain.EventLoginFailed, map[string]string{"username": username, "reason": "unknown user"})
		return "", domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", domain.User{}, err
	}

	now := s.now().UTC()
	if user.Locked(now) {
		s.record(ctx, user.ID, domain.EventLoginFailed, map[string]string{"reason": "locked"})
		return "", domain.User{}, ErrAccountLocked
	}

	if !s.verifyPassword(user.PasswordHash, password) {
		return "", domain.User{}, s.registerFailure(ctx, user, now, "bad password", ErrInvalidCredentials)
	}
	if user.TOTPEnabled {
		if strings.TrimSpace(otp) == "" {
			return "", domain.User{}, ErrOTPRequired
		}
		if !totp.Validate(strings.TrimSpace(otp), user.TOTPSecret) {
			return "", domain.User{}, s.registerFailure(ctx, user, now, "bad otp", ErrInvalidOTP)
		}
	}

	user.FailedLogins = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.UpdatedAt = now
	if user, err = s.store.UpdateUser(ctx, user); err != nil {
		return "", domain.User{}, err
	}

	token, err := s.issueToken(user, now)
	if err != nil {
		return "", domain.User{}, err
	}
	s.record(ctx, user.ID, domain.EventLoginSucceeded, nil)
	return token, user, nil
}

func (s *Service) registerFailure(ctx context.Context, user domain.User, now time.Time, reason string, cause error) error {
	user.FailedLogins++
	user.UpdatedAt = now
	locked := false
	if user.FailedLogins >= s.cfg.MaxFailedLogin {
		until := now.Add(s.cfg.LockoutPeriod)
		user.LockedUntil = &until
		user.FailedLogins = 0
		locked = true
	}
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.record(ctx, user.ID, domain.EventLoginFailed, map[string]string{"reason": reason})
	if locked {
		s.record(ctx, user.ID, domain.EventAccountLocked, map[string]string{"until": user.LockedUntil.Format(time.RFC3339)})
		s.log.WithField("user_id", user.ID).Warn("account locked after repeated failures")
	}
	return cause
}

func (s *Service) issueToken(user domain.User, now time.Time) (string, error) {
	claims := Claims{
		Role:     user.Role,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    "quantumshield",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a JWT issued by Login.
func (s *Service) ParseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.store.GetUser(ctx, id)
}

// ListUsers returns every user.
func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	return s.store.ListUsers(ctx)
}

// EnrollTOTP generates a pending TOTP secret. It only takes effect after
// ConfirmTOTP succeeds.
func (s *Service) EnrollTOTP(ctx context.Context, userID string) (secret, url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if user.TOTPEnabled {
		return "", "", fmt.Errorf("two-factor authentication already enabled")
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.cfg.TOTPIssuer, AccountName: user.Username})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	user.TOTPPending = key.Secret()
	user.UpdatedAt = s.now().UTC()
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return "", "", err
	}
	s.record(ctx, user.ID, domain.Event2FAEnrolled, nil)
	return key.Secret(), key.URL(), nil
}

// ConfirmTOTP activates the pending secret when code matches it.
func (s *Service) ConfirmTOTP(ctx context.Context, userID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPPending == "" {
		return fmt.Errorf("no pending two-factor enrollment")
	}
	if !totp.Validate(strings.TrimSpace(code), user.TOTPPending) {
		return ErrInvalidOTP
	}
	user.TOTPSecret = user.TOTPPending
	user.TOTPPending = ""
	user.TOTPEnabled = true
	user.UpdatedAt = s.now().UTC()
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.record(ctx, user.ID, domain.Event2FAEnabled, nil)
	s.log.WithField("user_id", user.ID).Info("two-factor authentication enabled")
	return nil
}

// DisableTOTP turns 2FA off after verifying a current code.
func (s *Service) DisableTOTP(ctx context.Context, userID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return fmt.Errorf("two-factor authentication not enabled")
	}
	if !totp.Validate(strings.TrimSpace(code), user.TOTPSecret) {
		return ErrInvalidOTP
	}
	user.TOTPEnabled = false
	user.TOTPSecret = ""
	user.UpdatedAt = s.now().UTC()
	if _, err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.record(ctx, user.ID, domain.Event2FADisabled, nil)
	return nil
}

// CreateAPIKey issues a new key for userID. The plaintext is returned once.
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.APIKey{}, fmt.Errorf("name is required")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	now := s.now().UTC()
	key, err := s.store.SaveAPIKey(ctx, domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Prefix:    plain[:len(apiKeyPrefix)+6],
		Hash:      hashAPIKey(plain),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	s.record(ctx, userID, domain.EventAPIKeyCreated, map[string]string{"key_id": key.ID, "name": name})
	return plain, key, nil
}

// ResolveAPIKey returns the owner of plain and stamps last use.
func (s *Service) ResolveAPIKey(ctx context.Context, plain string) (domain.User, error) {
	if !strings.HasPrefix(plain, apiKeyPrefix) {
		return domain.User{}, ErrInvalidAPIKey
	}
	key, err := s.store.GetAPIKeyByHash(ctx, hashAPIKey(plain))
	if errors.Is(err, storage.ErrNotFound) {
		return domain.User{}, ErrInvalidAPIKey
	}
	if err != nil {
		return domain.User{}, err
	}
	if key.Revoked {
		return domain.User{}, ErrInvalidAPIKey
	}
	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		return domain.User{}, ErrInvalidAPIKey
	}
	now := s.now().UTC()
	key.LastUsedAt = &now
	key.UpdatedAt = now
	if _, err := s.store.SaveAPIKey(ctx, key); err != nil {
		s.log.WithError(err).WithField("key_id", key.ID).Warn("record api key use")
	}
	return user, nil
}

// RevokeAPIKey disables a key owned by userID.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != userID {
		return fmt.Errorf("api key %s: %w", keyID, storage.ErrNotFound)
	}
	key.Revoked = true
	key.UpdatedAt = s.now().UTC()
	if _, err := s.store.SaveAPIKey(ctx, key); err != nil {
		return err
	}
	s.record(ctx, userID, domain.EventAPIKeyRevoked, map[string]string{"key_id": keyID})
	return nil
}

// ListAPIKeys returns keys owned by userID.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID)
}

// ListEvents returns the newest security events, optionally for one user.
func (s *Service) ListEvents(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListSecurityEvents(ctx, userID, limit)
}

// ComplianceReport summarises 2FA adoption, lockouts, keys and recent events.
func (s *Service) ComplianceReport(ctx context.Context) (domain.ComplianceReport, error) {
	now := s.now().UTC()
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	report := domain.ComplianceReport{GeneratedAt: now, TotalUsers: len(users), EventsLast24h: map[string]int{}}
	for _, u := range users {
		if u.TOTPEnabled {
			report.UsersWith2FA++
		} else {
			report.UsersWithout2FA++
		}
		if u.Locked(now) {
			report.LockedAccounts++
		}
		keys, err := s.store.ListAPIKeys(ctx, u.ID)
		if err != nil {
			return domain.ComplianceReport{}, err
		}
		for _, k := range keys {
			if !k.Revoked {
				report.ActiveAPIKeys++
			}
		}
	}

	evts, err := s.store.ListSecurityEvents(ctx, "", 0)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, e := range evts {
		if e.CreatedAt.After(cutoff) {
			report.EventsLast24h[e.Type]++
		}
	}
	return report, nil
}

func (s *Service) record(ctx context.Context, userID, eventType string, detail map[string]string) {
	now := s.now().UTC()
	evt := domain.Event{ID: uuid.NewString(), UserID: userID, Type: eventType, Detail: detail, CreatedAt: now, UpdatedAt: now}
	if _, err := s.store.AddSecurityEvent(ctx, evt); err != nil {
		s.log.WithError(err).WithField("type", eventType).Warn("persist security event")
	}
	if err := s.bus.Publish(ctx, "security."+eventType, evt); err != nil {
		s.log.WithError(err).WithField("type", eventType).Warn("publish security event")
	}
}

func (s *Service) hashPassword(password string) (string, error) {
	p := s.params
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func (s *Service) verifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func hashAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
