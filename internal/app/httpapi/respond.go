package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/archive"
	"github.com/quantumshield/backend/internal/app/services/blockchain"
	"github.com/quantumshield/backend/internal/app/services/defi"
	"github.com/quantumshield/backend/internal/app/services/governance"
	"github.com/quantumshield/backend/internal/app/services/marketplace"
	"github.com/quantumshield/backend/internal/app/services/pki"
	"github.com/quantumshield/backend/internal/app/services/security"
	"github.com/quantumshield/backend/internal/app/services/staking"
	"github.com/quantumshield/backend/internal/app/services/tokens"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/app/system"
)

const maxBodyBytes = 1 << 20

var errForbidden = errors.New("forbidden")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// fail writes err with the status its kind maps to.
func fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, system.ErrUnknownJob),
		errors.Is(err, archive.ErrEmptyPeriod):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, pki.ErrAlreadyRevoked):
		return http.StatusConflict
	case errors.Is(err, security.ErrInvalidCredentials),
		errors.Is(err, security.ErrInvalidToken),
		errors.Is(err, security.ErrInvalidAPIKey),
		errors.Is(err, security.ErrOTPRequired),
		errors.Is(err, security.ErrInvalidOTP):
		return http.StatusUnauthorized
	case errors.Is(err, security.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, errForbidden),
		errors.Is(err, tokens.ErrNotOwner),
		errors.Is(err, marketplace.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, tokens.ErrInsufficientBalance),
		errors.Is(err, blockchain.ErrInsufficientBalance),
		errors.Is(err, defi.ErrSlippage),
		errors.Is(err, defi.ErrInsufficientLiquidity),
		errors.Is(err, defi.ErrPoolOverflow),
		errors.Is(err, staking.ErrBelowMinimum),
		errors.Is(err, governance.ErrVotingClosed),
		errors.Is(err, governance.ErrNoVotingPower),
		errors.Is(err, marketplace.ErrListingClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blockchain.ErrNotStarted), errors.Is(err, pki.ErrNotBootstrapped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrBackend),
		errors.Is(err, archive.ErrChecksumMismatch),
		errors.Is(err, context.Canceled):
		return http.StatusInternalServerError
	default:
		// Services report validation failures as plain errors.
		return http.StatusBadRequest
	}
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func parseUint(raw, name string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer", name)
	}
	return v, nil
}
