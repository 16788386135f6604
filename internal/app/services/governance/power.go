package governance

import (
	"context"

	"github.com/quantumshield/backend/internal/app/domain/chain"
)

// BalanceReader reads native chain accounts.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (chain.Account, error)
	ListAccounts(ctx context.Context) ([]chain.Account, error)
}

// StakeReader reads staked amounts.
type StakeReader interface {
	StakedBy(ctx context.Context, address string) (uint64, error)
	ListValidators(ctx context.Context) ([]chain.Validator, error)
}

// AssetReader reads asset-token holdings.
type AssetReader interface {
	AssetBalance(ctx context.Context, address string) (uint64, error)
	AssetSupply(ctx context.Context) (uint64, error)
}

// Power combines chain balance, stake and asset tokens into voting power.
type Power struct {
	Chain  BalanceReader
	Stake  StakeReader
	Assets AssetReader
}

// VotingPower implements PowerSource.
func (p Power) VotingPower(ctx context.Context, address string) (uint64, error) {
	acct, err := p.Chain.Balance(ctx, address)
	if err != nil {
		return 0, err
	}
	total := acct.Balance
	if p.Stake != nil {
		staked, err := p.Stake.StakedBy(ctx, address)
		if err != nil {
			return 0, err
		}
		total += staked
	}
	if p.Assets != nil {
		assets, err := p.Assets.AssetBalance(ctx, address)
		if err != nil {
			return 0, err
		}
		total += assets
	}
	return total, nil
}

// TotalPower implements PowerSource.
func (p Power) TotalPower(ctx context.Context) (uint64, error) {
	accounts, err := p.Chain.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, a := range accounts {
		total += a.Balance
	}
	if p.Stake != nil {
		vals, err := p.Stake.ListValidators(ctx)
		if err != nil {
			return 0, err
		}
		for _, v := range vals {
			total += v.Weight()
		}
	}
	if p.Assets != nil {
		supply, err := p.Assets.AssetSupply(ctx)
		if err != nil {
			return 0, err
		}
		total += supply
	}
	return total, nil
}
