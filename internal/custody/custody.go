package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("transfer amount must not be negative")
)

// TokenLedger moves collateral between trader, contract custody, and
// liquidator accounts. A failed transfer aborts the calling operation.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Vault is an in-memory TokenLedger keyed by account address. It stands in
// for the pUSD token contract in ledgerd and in tests.
type Vault struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func NewVault() *Vault {
	return &Vault{balances: make(map[common.Address]*big.Int)}
}

// Credit mints balance into an account. Used to seed configured balances.
func (v *Vault) Credit(account common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add(account, amount)
}

func (v *Vault) Balance(account common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (v *Vault) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s", ErrInsufficientBalance, from.Hex())
	}
	bal.Sub(bal, amount)
	if bal.Sign() == 0 {
		delete(v.balances, from)
	}
	v.add(to, amount)
	return nil
}

func (v *Vault) add(account common.Address, amount *big.Int) {
	if bal, ok := v.balances[account]; ok {
		bal.Add(bal, amount)
		return
	}
	v.balances[account] = new(big.Int).Set(amount)
}
