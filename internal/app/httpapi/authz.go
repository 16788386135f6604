package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/middleware"
)

// actingAs checks that address names a wallet owned by the caller. field is
// the request field it came from. Admins may act for any address.
func (h *handler) actingAs(r *http.Request, field, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return fmt.Errorf("%s is required", field)
	}
	p := principal(r)
	if p.Role == middleware.RoleAdmin {
		return nil
	}
	wallet, err := h.app.Chain.GetWallet(r.Context(), address)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %s is not one of your wallets", errForbidden, field, address)
	}
	if err != nil {
		return err
	}
	if wallet.Owner != p.UserID {
		return fmt.Errorf("%w: %s %s is not one of your wallets", errForbidden, field, address)
	}
	return nil
}
