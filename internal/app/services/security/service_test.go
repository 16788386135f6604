package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/security"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := New(memory.NewStore(), nil, Config{JWTSecret: "test-secret", MaxFailedLogin: 3, LockoutPeriod: time.Minute}, logger.NewNop())
	svc.params = argonParams{time: 1, memory: 1024, threads: 1, keyLen: 32, saltLen: 16}
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "  Alice ", "correct-horse", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Contains(t, user.PasswordHash, "$argon2id$v=19$")

	_, err = svc.Register(ctx, "ALICE", "another-pass", "")
	require.True(t, errors.Is(err, storage.ErrConflict))

	token, logged, err := svc.Login(ctx, "alice", "correct-horse", "")
	require.NoError(t, err)
	assert.Equal(t, user.ID, logged.ID)
	require.NotNil(t, logged.LastLoginAt)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, domain.RoleUser, claims.Role)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Register(ctx, "", "correct-horse", "")
	require.Error(t, err)
	_, err = svc.Register(ctx, "bob", "short", "")
	require.Error(t, err)
	_, err = svc.Register(ctx, "bob", "correct-horse", "root")
	require.Error(t, err)
}

func TestLoginLockout(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.Register(ctx, "carol", "correct-horse", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err = svc.Login(ctx, "carol", "wrong-password", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err = svc.Login(ctx, "carol", "correct-horse", "")
	require.ErrorIs(t, err, ErrAccountLocked)

	now = now.Add(2 * time.Minute)
	_, _, err = svc.Login(ctx, "carol", "correct-horse", "")
	require.NoError(t, err)

	evts, err := svc.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	var locked int
	for _, e := range evts {
		if e.Type == domain.EventAccountLocked {
			locked++
		}
	}
	assert.Equal(t, 1, locked)
}

func TestLoginUnknownUser(t *testing.T) {
	_, _, err := newTestService(t).Login(context.Background(), "nobody", "whatever1", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.Register(ctx, "dave", "correct-horse", domain.RoleAdmin)
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, "dave", "correct-horse", "")
	require.NoError(t, err)

	other := New(memory.NewStore(), nil, Config{JWTSecret: "different"}, logger.NewNop())
	_, err = other.ParseToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ParseToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTOTPFlow(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	user, err := svc.Register(ctx, "erin", "correct-horse", "")
	require.NoError(t, err)

	secret, url, err := svc.EnrollTOTP(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	// Pending enrollment does not gate login yet.
	_, _, err = svc.Login(ctx, "erin", "correct-horse", "")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ConfirmTOTP(ctx, user.ID, "000000x"), ErrInvalidOTP)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmTOTP(ctx, user.ID, code))

	_, _, err = svc.Login(ctx, "erin", "correct-horse", "")
	require.ErrorIs(t, err, ErrOTPRequired)

	code, err = totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "erin", "correct-horse", code)
	require.NoError(t, err)

	require.NoError(t, svc.DisableTOTP(ctx, user.ID, code))
	_, _, err = svc.Login(ctx, "erin", "correct-horse", "")
	require.NoError(t, err)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	user, err := svc.Register(ctx, "frank", "correct-horse", "")
	require.NoError(t, err)

	plain, key, err := svc.CreateAPIKey(ctx, user.ID, "ci")
	require.NoError(t, err)
	assert.NotContains(t, key.Hash, plain)
	assert.True(t, len(plain) > len(apiKeyPrefix))

	owner, err := svc.ResolveAPIKey(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)

	keys, err := svc.ListAPIKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, svc.RevokeAPIKey(ctx, user.ID, key.ID))
	_, err = svc.ResolveAPIKey(ctx, plain)
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = svc.ResolveAPIKey(ctx, "garbage")
	require.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestComplianceReport(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	a, err := svc.Register(ctx, "gina", "correct-horse", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "hank", "correct-horse", "")
	require.NoError(t, err)
	_, _, err = svc.CreateAPIKey(ctx, a.ID, "deploy")
	require.NoError(t, err)

	report, err := svc.ComplianceReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalUsers)
	assert.Equal(t, 2, report.UsersWithout2FA)
	assert.Equal(t, 1, report.ActiveAPIKeys)
	assert.Equal(t, 2, report.EventsLast24h[domain.EventUserRegistered])
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	require.NoError(t, svc.EnsureAdmin(ctx, "root", "correct-horse"))
	require.NoError(t, svc.EnsureAdmin(ctx, "root", "correct-horse"))
	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, domain.RoleAdmin, users[0].Role)
}
