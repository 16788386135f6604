package app

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	secdomain "github.com/quantumshield/backend/internal/app/domain/security"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/internal/middleware"
)

// publicTopics are chain-wide events every user may observe.
var publicTopics = []string{
	"block.*",
	"archive.*",
	"governance.proposal_created",
	"governance.proposal_passed",
	"governance.proposal_rejected",
	"governance.proposal_executed",
	"governance.proposal_expired",
	"pki.bootstrapped",
	"staking.rewards",
	"token.created",
	"defi.pool_created",
	"market.listed",
}

var (
	userFields    = []string{"owner", "user_id"}
	addressFields = []string{"owner", "from", "to", "caller", "seller", "buyer", "address", "voter", "proposer", "delegator", "provider", "trader", "validator"}
)

// Audience decides which users may observe an event. Admins see every
// event; other users see public topics and events whose payload names
// them, one of their wallets or one of their devices.
type Audience struct {
	store *storage.Store
}

// NewAudience constructs an Audience over store.
func NewAudience(store *storage.Store) *Audience {
	return &Audience{store: store}
}

// Visible reports whether viewer (a user ID) may receive evt.
func (a *Audience) Visible(ctx context.Context, viewer string, evt events.Event) bool {
	if viewer == "" {
		return false
	}
	if a.isAdmin(ctx, viewer) {
		return true
	}
	for _, p := range publicTopics {
		if events.Matches(p, evt.Topic) {
			return true
		}
	}

	payload := gjson.ParseBytes(evt.Payload)
	for _, f := range userFields {
		if payload.Get(f).String() == viewer {
			return true
		}
	}
	seen := map[string]struct{}{}
	for _, f := range addressFields {
		address := strings.ToLower(strings.TrimSpace(payload.Get(f).String()))
		if address == "" {
			continue
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		if w, err := a.store.GetWallet(ctx, address); err == nil && w.Owner == viewer {
			return true
		}
	}
	if id := payload.Get("device_id").String(); id != "" {
		if d, err := a.store.GetDevice(ctx, id); err == nil && d.Owner == viewer {
			return true
		}
	}
	return false
}

func (a *Audience) isAdmin(ctx context.Context, userID string) bool {
	if userID == middleware.StaticUserID {
		return true
	}
	u, err := a.store.GetUser(ctx, userID)
	return err == nil && u.Role == secdomain.RoleAdmin
}
