package state

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"stakepool/crypto"
	"stakepool/storage"
)

var (
	balancePrefix = []byte("balance/")
	supplyPrefix  = []byte("token/supply/")
)

// BalanceUpdate overwrites one account balance.
type BalanceUpdate struct {
	Address crypto.Address
	Amount  *big.Int
}

// Balances persists per-denomination account balances and total supply.
type Balances struct {
	db storage.Database
}

func NewBalances(db storage.Database) *Balances {
	return &Balances{db: db}
}

func normalizeDenom(denom string) string {
	return strings.ToUpper(strings.TrimSpace(denom))
}

func balanceKey(denom string, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, 0, len(balancePrefix)+len(denom)+1+len(raw))
	buf = append(buf, balancePrefix...)
	buf = append(buf, denom...)
	buf = append(buf, '/')
	return append(buf, raw...)
}

func supplyKey(denom string) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+len(denom))
	buf = append(buf, supplyPrefix...)
	return append(buf, denom...)
}

func (b *Balances) readAmount(key []byte) (*big.Int, error) {
	data, err := b.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) || len(data) == 0 {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// Balance returns the stored balance. Missing entries default to zero.
func (b *Balances) Balance(denom string, addr crypto.Address) (*big.Int, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("balance store unavailable")
	}
	normalized := normalizeDenom(denom)
	if normalized == "" {
		return nil, fmt.Errorf("denomination required")
	}
	return b.readAmount(balanceKey(normalized, addr))
}

// Supply returns the stored total supply of denom.
func (b *Balances) Supply(denom string) (*big.Int, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("balance store unavailable")
	}
	normalized := normalizeDenom(denom)
	if normalized == "" {
		return nil, fmt.Errorf("denomination required")
	}
	return b.readAmount(supplyKey(normalized))
}

// Commit writes the balance updates, and the new supply when non-nil, in one
// batch.
func (b *Balances) Commit(denom string, supply *big.Int, updates ...BalanceUpdate) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("balance store unavailable")
	}
	normalized := normalizeDenom(denom)
	if normalized == "" {
		return fmt.Errorf("denomination required")
	}
	batch := b.db.NewBatch()
	for _, update := range updates {
		if update.Address.IsZero() {
			return fmt.Errorf("balance update without address")
		}
		amount := update.Amount
		if amount == nil {
			amount = big.NewInt(0)
		}
		if amount.Sign() < 0 {
			return fmt.Errorf("%s balance for %s cannot be negative", normalized, update.Address)
		}
		encoded, err := rlp.EncodeToBytes(amount)
		if err != nil {
			return err
		}
		batch.Put(balanceKey(normalized, update.Address), encoded)
	}
	if supply != nil {
		if supply.Sign() < 0 {
			return fmt.Errorf("%s supply cannot be negative", normalized)
		}
		encoded, err := rlp.EncodeToBytes(supply)
		if err != nil {
			return err
		}
		batch.Put(supplyKey(normalized), encoded)
	}
	return batch.Write()
}
