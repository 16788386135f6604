package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/quantumshield/backend/internal/app"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/services/governance"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/internal/app/system"
	"github.com/quantumshield/backend/internal/config"
	"github.com/quantumshield/backend/pkg/logger"
)

const staticToken = "ops-token"

func testConfig() *config.Config {
	return &config.Config{
		Auth:     config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
		Storage:  config.StorageConfig{Driver: "memory"},
		Security: config.SecurityConfig{MaxFailedLogin: 5, LockoutPeriod: time.Minute, TOTPIssuer: "QuantumShield"},
		Chain: config.ChainConfig{
			BlockGasLimit:   8_000_000,
			GasPrice:        1,
			BlockReward:     50,
			Premine:         1_000_000,
			MinValidatorStk: 100,
			EpochReward:     10,
		},
		Governance: config.GovernanceConfig{VotingPeriod: time.Hour, Quorum: 0.1, Threshold: 0.5},
		Devices:    config.DevicesConfig{OfflineAfter: time.Minute},
		Webhooks:   config.WebhooksConfig{Timeout: time.Second},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.NewNop()
	application, err := app.New(testConfig(), memory.New(), log)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	h, err := NewHandler(application, Options{StaticTokens: []string{staticToken}}, log)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func signUp(t *testing.T, srv *httptest.Server, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "correct-horse"}
	resp, _ := do(t, srv, http.MethodPost, "/api/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := do(t, srv, http.MethodPost, "/api/auth/login", "", creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestPublicEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, srv, http.MethodGet, "/api/system/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, srv, http.MethodGet, "/api/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/devices", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	token := signUp(t, srv, "alice")

	resp, body := do(t, srv, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "user", body["role"])
	assert.NotContains(t, body, "password_hash")

	resp, _ = do(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{"username": "alice", "password": "correct-horse"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceRoutes(t *testing.T) {
	srv := newTestServer(t)
	token := signUp(t, srv, "bob")

	resp, dev := do(t, srv, http.MethodPost, "/api/devices", token, map[string]any{"name": "sensor-1", "type": "thermometer"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := dev["id"].(string)
	require.NotEmpty(t, id)

	resp, got := do(t, srv, http.MethodGet, "/api/devices/"+id, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sensor-1", got["name"])

	resp, _ = do(t, srv, http.MethodGet, "/api/devices/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/devices", token, map[string]any{"type": "thermometer"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func newWallet(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	resp, wallet := do(t, srv, http.MethodPost, "/api/blockchain/wallets", token, map[string]string{"label": "main"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	address, _ := wallet["address"].(string)
	require.NotEmpty(t, address)
	return address
}

func TestTokenRoutes(t *testing.T) {
	srv := newTestServer(t)
	token := signUp(t, srv, "carol")
	carol := newWallet(t, srv, token)

	resp, tok := do(t, srv, http.MethodPost, "/api/economy/tokens", token, map[string]any{
		"symbol": "qsc", "name": "Shield Credit", "owner": carol, "initial_supply": 1000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "QSC", tok["symbol"])

	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens", token, map[string]any{
		"symbol": "1bad", "name": "Bad", "owner": carol,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens", token, map[string]any{
		"symbol": "qsd", "name": "No Wallet", "owner": "qs1carol",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestActingAddressMustBeCallersWallet(t *testing.T) {
	srv := newTestServer(t)
	alice := signUp(t, srv, "alice")
	mallory := signUp(t, srv, "mallory")
	aliceAddr := newWallet(t, srv, alice)
	malloryAddr := newWallet(t, srv, mallory)

	resp, _ := do(t, srv, http.MethodPost, "/api/blockchain/fund", staticToken, map[string]any{"address": aliceAddr, "amount": 100_000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, params := do(t, srv, http.MethodGet, "/api/blockchain/params", alice, nil)
	treasury, _ := params["node_address"].(string)
	require.NotEmpty(t, treasury)

	transfer := func(from string) map[string]any {
		return map[string]any{"from": from, "to": malloryAddr, "amount": 10}
	}
	resp, _ = do(t, srv, http.MethodPost, "/api/blockchain/transactions", mallory, transfer(aliceAddr))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/blockchain/transactions", mallory, transfer(treasury))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/blockchain/transactions", alice, transfer(aliceAddr))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens", alice, map[string]any{
		"symbol": "ALC", "name": "Alice Coin", "owner": aliceAddr, "initial_supply": 1000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens/ALC/mint", mallory, map[string]any{"caller": aliceAddr, "to": malloryAddr, "amount": 100})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens/ALC/transfer", mallory, map[string]any{"from": aliceAddr, "to": malloryAddr, "amount": 100})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens/ALC/burn", mallory, map[string]any{"from": aliceAddr, "amount": 100})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, bal := do(t, srv, http.MethodGet, "/api/economy/tokens/ALC/balances/"+aliceAddr, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1000, bal["balance"])

	resp, _ = do(t, srv, http.MethodPost, "/api/marketplace/listings", mallory, map[string]any{
		"seller": aliceAddr, "symbol": "ALC", "quote_symbol": "QSC", "quantity": 1, "unit_price": 1,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/advanced-blockchain/governance/proposals", mallory, map[string]any{
		"title": "drain", "proposer": aliceAddr, "kind": "treasury",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/advanced-blockchain/validators/"+aliceAddr+"/unstake", mallory, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/defi/pools/any/swap", mallory, map[string]any{"trader": aliceAddr, "token_in": "ALC", "amount_in": 1})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin tokens may act for any address.
	resp, _ = do(t, srv, http.MethodPost, "/api/economy/tokens/ALC/mint", staticToken, map[string]any{"caller": aliceAddr, "to": malloryAddr, "amount": 5})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{"username": "dave", "password": "correct-horse", "admin": "yes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown field")
}

func TestAdminOnlyRoutes(t *testing.T) {
	srv := newTestServer(t)
	token := signUp(t, srv, "erin")

	resp, _ := do(t, srv, http.MethodGet, "/api/system/jobs", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/system/jobs", staticToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/system/jobs/nope/run", staticToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditRecordsMutations(t *testing.T) {
	srv := newTestServer(t)
	token := signUp(t, srv, "frank")
	resp, _ := do(t, srv, http.MethodPost, "/api/devices", token, map[string]any{"name": "gw"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/security/audit", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+staticToken)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var entries []auditEntry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&entries))
	var found bool
	for _, e := range entries {
		if e.Path == "/api/devices" && e.Method == http.MethodPost {
			found = true
			assert.Equal(t, http.StatusCreated, e.Status)
			assert.NotEmpty(t, e.User)
		}
	}
	assert.True(t, found, "device registration should be audited")
}

func TestCryptoKeysAreOwnerScoped(t *testing.T) {
	srv := newTestServer(t)
	alice := signUp(t, srv, "alice")
	mallory := signUp(t, srv, "mallory")

	resp, key := do(t, srv, http.MethodPost, "/api/advanced-crypto/keys", alice, map[string]string{"kind": "signature"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := key["id"].(string)
	require.NotEmpty(t, id)
	assert.NotContains(t, key, "sealed_key")

	resp, _ = do(t, srv, http.MethodGet, "/api/advanced-crypto/keys/"+id, alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/advanced-crypto/keys/"+id+"/sign", mallory, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, sig := do(t, srv, http.MethodPost, "/api/advanced-crypto/keys/"+id+"/sign", alice, map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, sig["signature"])
}

func TestStreamHidesOtherUsersEvents(t *testing.T) {
	srv := newTestServer(t)
	alice := signUp(t, srv, "alice")
	bob := signUp(t, srv, "bob")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream?topic=device.*&token=" + bob
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	res, _ := do(t, srv, http.MethodPost, "/api/devices", alice, map[string]any{"name": "alice-dev"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, _ = do(t, srv, http.MethodPost, "/api/devices", bob, map[string]any{"name": "bob-dev"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "device.registered", evt.Topic)
	var dev map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &dev))
	assert.Equal(t, "bob-dev", dev["name"])
}

func TestUnknownRouteIsJSON(t *testing.T) {
	srv := newTestServer(t)
	resp, body := do(t, srv, http.MethodGet, "/api/nowhere", staticToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "route not found", body["error"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("device x: %w", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", storage.ErrConflict), http.StatusConflict},
		{governance.ErrAlreadyVoted, http.StatusConflict},
		{fmt.Errorf("%w: nightly", system.ErrUnknownJob), http.StatusNotFound},
		{errForbidden, http.StatusForbidden},
		{fmt.Errorf("insert devices: %w", storage.ErrBackend), http.StatusInternalServerError},
		{errors.New("name is required"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
