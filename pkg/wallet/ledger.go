package wallet

import (
	"time"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

func postOp(entryID string, at time.Time, postings ...store.Posting) store.Op {
	return store.Op{Kind: store.OpWalletPost, Wallet: &store.WalletEntry{
		EntryID:  entryID,
		Postings: postings,
		At:       at.UTC(),
	}}
}

func checkAmount(amountCents int64) error {
	if amountCents <= 0 {
		return protocol.NewError(protocol.CodeSchemaInvalid, "amountCents must be a positive integer")
	}
	return nil
}

// Credit moves funds from the platform suspense account into an agent's
// available balance. Mutates w and returns the ops to commit.
func Credit(w *Wallet, entryID string, amountCents int64, at time.Time) ([]store.Op, error) {
	if err := checkAmount(amountCents); err != nil {
		return nil, err
	}
	w.AvailableCents += amountCents
	w.TotalCreditedCents += amountCents
	if err := w.Check(); err != nil {
		return nil, err
	}
	return []store.Op{
		postOp(entryID, at,
			store.Posting{Account: AccountPlatformSuspense, AmountCents: -amountCents, Currency: w.Currency},
			store.Posting{Account: AvailableAccount(w.AgentID), AmountCents: amountCents, Currency: w.Currency},
		),
		w.UpsertOp(),
	}, nil
}

// LockEscrow moves funds from the payer's available balance into its escrow
// account. Fails with WALLET_INSUFFICIENT_FUNDS when the available balance
// cannot cover the lock.
func LockEscrow(payer *Wallet, entryID string, amountCents int64, at time.Time) ([]store.Op, error) {
	if err := checkAmount(amountCents); err != nil {
		return nil, err
	}
	if payer.AvailableCents < amountCents {
		return nil, protocol.NewError(protocol.CodeWalletInsufficientFunds, "available balance cannot cover escrow lock").
			WithDetail("walletId", payer.WalletID).
			WithDetail("availableCents", payer.AvailableCents).
			WithDetail("amountCents", amountCents)
	}
	payer.AvailableCents -= amountCents
	payer.EscrowLockedCents += amountCents
	if err := payer.Check(); err != nil {
		return nil, err
	}
	return []store.Op{
		postOp(entryID, at,
			store.Posting{Account: AvailableAccount(payer.AgentID), AmountCents: -amountCents, Currency: payer.Currency},
			store.Posting{Account: EscrowAccount(payer.AgentID), AmountCents: amountCents, Currency: payer.Currency},
		),
		payer.UpsertOp(),
	}, nil
}

// ReleaseEscrow pays the payee its split of a locked escrow and refunds the
// remainder to the payer's available balance. The split is integer division:
// share = amountCents * splitPct / 100; the odd cent of an uneven split
// stays with the payer.
func ReleaseEscrow(payer, payee *Wallet, entryID string, amountCents, splitPct int64, at time.Time) ([]store.Op, error) {
	if err := checkAmount(amountCents); err != nil {
		return nil, err
	}
	if splitPct < 0 || splitPct > 100 {
		return nil, protocol.NewError(protocol.CodeSchemaInvalid, "splitPct must be between 0 and 100")
	}
	if payer.Currency != payee.Currency {
		return nil, protocol.NewError(protocol.CodeWalletCurrencyMismatch, "payer and payee wallets use different currencies").
			WithDetail("payerCurrency", payer.Currency).
			WithDetail("payeeCurrency", payee.Currency)
	}
	if payer.EscrowLockedCents < amountCents {
		return nil, protocol.NewError(protocol.CodeWalletInsufficientFunds, "escrow balance cannot cover release").
			WithDetail("walletId", payer.WalletID)
	}

	share := amountCents * splitPct / 100
	remainder := amountCents - share

	payer.EscrowLockedCents -= amountCents
	payer.AvailableCents += remainder
	payer.TotalDebitedCents += share
	payee.AvailableCents += share
	payee.TotalCreditedCents += share
	if err := payer.Check(); err != nil {
		return nil, err
	}
	if err := payee.Check(); err != nil {
		return nil, err
	}

	postings := []store.Posting{
		{Account: EscrowAccount(payer.AgentID), AmountCents: -amountCents, Currency: payer.Currency},
	}
	if share > 0 {
		postings = append(postings, store.Posting{Account: AvailableAccount(payee.AgentID), AmountCents: share, Currency: payer.Currency})
	}
	if remainder > 0 {
		postings = append(postings, store.Posting{Account: AvailableAccount(payer.AgentID), AmountCents: remainder, Currency: payer.Currency})
	}
	return []store.Op{
		postOp(entryID, at, postings...),
		payer.UpsertOp(),
		payee.UpsertOp(),
	}, nil
}

// RefundEscrow returns locked funds to the payer's available balance.
func RefundEscrow(payer *Wallet, entryID string, amountCents int64, at time.Time) ([]store.Op, error) {
	if err := checkAmount(amountCents); err != nil {
		return nil, err
	}
	if payer.EscrowLockedCents < amountCents {
		return nil, protocol.NewError(protocol.CodeWalletInsufficientFunds, "escrow balance cannot cover refund").
			WithDetail("walletId", payer.WalletID)
	}
	payer.EscrowLockedCents -= amountCents
	payer.AvailableCents += amountCents
	if err := payer.Check(); err != nil {
		return nil, err
	}
	return []store.Op{
		postOp(entryID, at,
			store.Posting{Account: EscrowAccount(payer.AgentID), AmountCents: -amountCents, Currency: payer.Currency},
			store.Posting{Account: AvailableAccount(payer.AgentID), AmountCents: amountCents, Currency: payer.Currency},
		),
		payer.UpsertOp(),
	}, nil
}
