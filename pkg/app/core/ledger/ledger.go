package ledger

import (
	"bytes"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
)

// Asset is an opaque token symbol (e.g. "USDC"). It is never interpreted numerically.
type Asset string

// Entry is one (account, asset) -> balance row, used by the state codec
type Entry struct {
	Account common.Address `json:"account"`
	Asset   Asset          `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// Ledger owns spendable balances per account and asset.
// Escrowed order funds are not part of the ledger: they are debited at
// placement and live in the order store until filled or cancelled.
//
// Not safe for concurrent use; dex.App serializes all calls.
type Ledger struct {
	accounts map[common.Address]map[Asset]uint64

	// Value of every entry touched since the last Commit, before the touch
	changes map[entryKey]prior
}

type entryKey struct {
	account common.Address
	asset   Asset
}

type prior struct {
	amount  uint64
	existed bool
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		accounts: make(map[common.Address]map[Asset]uint64),
		changes:  make(map[entryKey]prior),
	}
}

// BalanceOf returns the balance of asset held by account (zero if absent)
func (l *Ledger) BalanceOf(account common.Address, asset Asset) uint64 {
	return l.accounts[account][asset]
}

// Has reports whether account holds a non-zero entry for asset.
// Audit paths use it to tell an absent entry from an explicit balance.
func (l *Ledger) Has(account common.Address, asset Asset) bool {
	_, ok := l.accounts[account][asset]
	return ok
}

// HasAccount reports whether account holds any entry at all
func (l *Ledger) HasAccount(account common.Address) bool {
	return len(l.accounts[account]) > 0
}

// Credit adds amount to the balance.
// Returns ErrOverflow if the result does not fit in a uint64.
func (l *Ledger) Credit(account common.Address, asset Asset, amount uint64) error {
	if amount == 0 {
		return nil
	}
	cur := l.accounts[account][asset]
	sum, carry := bits.Add64(cur, amount, 0)
	if carry != 0 {
		return fmt.Errorf("credit %d %s to %s (balance %d): %w", amount, asset, account.Hex(), cur, errs.ErrOverflow)
	}

	l.set(account, asset, sum)
	return nil
}

// Debit subtracts amount from the balance.
// Returns ErrInsufficientFunds and leaves the balance untouched if it is smaller than amount.
func (l *Ledger) Debit(account common.Address, asset Asset, amount uint64) error {
	if amount == 0 {
		return nil
	}
	cur := l.accounts[account][asset]
	if cur < amount {
		return fmt.Errorf("debit %s from %s: have %d, need %d: %w", asset, account.Hex(), cur, amount, errs.ErrInsufficientFunds)
	}

	l.set(account, asset, cur-amount)
	return nil
}

// Transfer moves amount of asset between accounts.
// If the credit fails the debit is compensated so no funds are lost.
func (l *Ledger) Transfer(from, to common.Address, asset Asset, amount uint64) error {
	if err := l.Debit(from, asset, amount); err != nil {
		return err
	}
	if err := l.Credit(to, asset, amount); err != nil {
		// Restores exactly what was debited, cannot overflow
		if rbErr := l.Credit(from, asset, amount); rbErr != nil {
			panic(fmt.Sprintf("ledger: transfer rollback failed: %v", rbErr))
		}
		return err
	}
	return nil
}

// set records the entry's prior value and stores amount. Zero entries are
// dropped; reads treat missing entries as zero.
func (l *Ledger) set(account common.Address, asset Asset, amount uint64) {
	k := entryKey{account, asset}
	if _, seen := l.changes[k]; !seen {
		cur, ok := l.accounts[account][asset]
		l.changes[k] = prior{amount: cur, existed: ok}
	}
	l.put(account, asset, amount)
}

func (l *Ledger) put(account common.Address, asset Asset, amount uint64) {
	if amount == 0 {
		assets := l.accounts[account]
		delete(assets, asset)
		if len(assets) == 0 {
			delete(l.accounts, account)
		}
		return
	}
	assets, ok := l.accounts[account]
	if !ok {
		assets = make(map[Asset]uint64)
		l.accounts[account] = assets
	}
	assets[asset] = amount
}

// Changes returns the current value of every entry that differs from its
// value at the last Commit, in (account, asset) order. A zero Amount means
// the entry was removed.
func (l *Ledger) Changes() []Entry {
	var out []Entry
	for k, p := range l.changes {
		cur, ok := l.accounts[k.account][k.asset]
		if ok == p.existed && cur == p.amount {
			continue
		}
		out = append(out, Entry{Account: k.account, Asset: k.asset, Amount: cur})
	}
	sortEntries(out)
	return out
}

// Commit accepts every change since the previous Commit
func (l *Ledger) Commit() {
	clear(l.changes)
}

// Rollback puts every entry changed since the last Commit back
func (l *Ledger) Rollback() {
	for k, p := range l.changes {
		l.put(k.account, k.asset, p.amount)
	}
	clear(l.changes)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].Account[:], entries[j].Account[:]); c != 0 {
			return c < 0
		}
		return entries[i].Asset < entries[j].Asset
	})
}

// Balances returns the non-zero balances of account
func (l *Ledger) Balances(account common.Address) map[Asset]uint64 {
	out := make(map[Asset]uint64, len(l.accounts[account]))
	for asset, amount := range l.accounts[account] {
		out[asset] = amount
	}
	return out
}

// Accounts returns every account with at least one entry, sorted by address
func (l *Ledger) Accounts() []common.Address {
	out := make([]common.Address, 0, len(l.accounts))
	for addr := range l.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Entries returns all balances in deterministic (account, asset) order
func (l *Ledger) Entries() []Entry {
	var entries []Entry
	for _, addr := range l.Accounts() {
		assets := l.accounts[addr]
		names := make([]Asset, 0, len(assets))
		for a := range assets {
			names = append(names, a)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		for _, a := range names {
			entries = append(entries, Entry{Account: addr, Asset: a, Amount: assets[a]})
		}
	}
	return entries
}

// Restore replaces the ledger contents with entries.
// Zero amounts are skipped; duplicate rows are rejected.
func (l *Ledger) Restore(entries []Entry) error {
	accounts := make(map[common.Address]map[Asset]uint64)
	for _, e := range entries {
		if e.Asset == "" {
			return fmt.Errorf("restore: empty asset for %s: %w", e.Account.Hex(), errs.ErrNoSuchAsset)
		}
		if e.Amount == 0 {
			continue
		}
		assets, ok := accounts[e.Account]
		if !ok {
			assets = make(map[Asset]uint64)
			accounts[e.Account] = assets
		}
		if _, dup := assets[e.Asset]; dup {
			return fmt.Errorf("restore: duplicate entry %s/%s", e.Account.Hex(), e.Asset)
		}
		assets[e.Asset] = e.Amount
	}
	l.accounts = accounts
	l.changes = make(map[entryKey]prior)
	return nil
}
