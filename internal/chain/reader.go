// Package chain reads Subtensor runtime storage over the Substrate
// JSON-RPC interface.
package chain

import (
	"context"
	"errors"

	"github.com/trustedstake/stake-engine/internal/account"
	"github.com/trustedstake/stake-engine/internal/fixedpoint"
	"github.com/trustedstake/stake-engine/internal/model"
)

var (
	// ErrDecode is returned when a storage value cannot be SCALE-decoded.
	ErrDecode = errors.New("chain: storage decode failed")

	// ErrClosed is returned for calls on a closed or dropped connection.
	ErrClosed = errors.New("chain: connection closed")
)

// AlphaEntry is one (hotkey, coldkey, subnet) share from the Alpha map.
type AlphaEntry struct {
	NetUID model.NetUID
	Share  fixedpoint.Value
}

// Reader is the set of storage reads the balance aggregator needs. Missing
// storage decodes to the zero value, matching the runtime's ValueQuery
// defaults.
type Reader interface {
	// StakingHotkeys lists the hotkeys a coldkey has staked to.
	StakingHotkeys(ctx context.Context, coldkey account.ID) ([]account.ID, error)

	// AlphaEntries lists the coldkey's shares under a hotkey, one per subnet.
	AlphaEntries(ctx context.Context, hotkey, coldkey account.ID) ([]AlphaEntry, error)

	// TotalHotkeyAlpha returns the total alpha (RAO) held by a hotkey on a subnet.
	TotalHotkeyAlpha(ctx context.Context, hotkey account.ID, netUID model.NetUID) (uint64, error)

	// TotalHotkeyShares returns the total shares issued by a hotkey on a subnet.
	TotalHotkeyShares(ctx context.Context, hotkey account.ID, netUID model.NetUID) (fixedpoint.Value, error)

	// SubnetTAO returns the TAO (RAO) in a subnet's pool.
	SubnetTAO(ctx context.Context, netUID model.NetUID) (uint64, error)

	// SubnetAlphaIn returns the alpha (RAO) in a subnet's pool.
	SubnetAlphaIn(ctx context.Context, netUID model.NetUID) (uint64, error)

	// FreeBalance returns the free TAO balance (RAO) of an account.
	FreeBalance(ctx context.Context, who account.ID) (uint64, error)
}
