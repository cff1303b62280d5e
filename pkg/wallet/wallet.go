// Package wallet — double-entry agent ledger in integer cents.
//
// Every balance change is a balanced posting set: the legs of one entry net
// to zero per currency, so the sum over all postings of a tenant is always
// zero. Wallet projections are derived balances, CAS-guarded by revision.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

// ProjectionKind is the projection row kind for agent wallets.
const ProjectionKind = "agent_wallet"

// System accounts. Agent accounts are per-agent, see AvailableAccount and
// EscrowAccount.
const (
	AccountPlatformSuspense  = "acct_platform_suspense"
	AccountCoverageReserve   = "acct_coverage_reserve"
	AccountInsurerReceivable = "acct_insurer_receivable"
)

// IDForAgent derives the canonical wallet id for an agent.
func IDForAgent(agentID string) string {
	return "wal_" + agentID
}

// AvailableAccount names the spendable-balance account of an agent.
func AvailableAccount(agentID string) string {
	return "acct_available:" + agentID
}

// EscrowAccount names the escrow-locked account of an agent.
func EscrowAccount(agentID string) string {
	return "acct_escrow:" + agentID
}

// Wallet is the projected balance state of one agent.
type Wallet struct {
	WalletID           string `json:"walletId"`
	AgentID            string `json:"agentId"`
	TenantID           string `json:"tenantId"`
	Currency           string `json:"currency"`
	AvailableCents     int64  `json:"availableCents"`
	EscrowLockedCents  int64  `json:"escrowLockedCents"`
	TotalDebitedCents  int64  `json:"totalDebitedCents"`
	TotalCreditedCents int64  `json:"totalCreditedCents"`
	Revision           int64  `json:"revision"`
}

// New returns a zero-balance wallet for an agent.
func New(walletID, agentID, tenantID, currency string) *Wallet {
	return &Wallet{
		WalletID: walletID,
		AgentID:  agentID,
		TenantID: tenantID,
		Currency: currency,
	}
}

// FromProjection decodes a wallet out of its projection row.
func FromProjection(p *store.Projection) (*Wallet, error) {
	raw, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode wallet projection: %w", err)
	}
	var w Wallet
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode wallet projection: %w", err)
	}
	w.Revision = p.Revision
	return &w, nil
}

// Load reads a wallet projection at its current revision.
func Load(ctx context.Context, s store.Store, tenantID, walletID string) (*Wallet, error) {
	p, err := s.GetProjection(ctx, tenantID, ProjectionKind, walletID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "wallet not found").
			WithDetail("walletId", walletID)
	}
	return FromProjection(p)
}

// Body renders the wallet as a projection body.
func (w *Wallet) Body() map[string]any {
	return map[string]any{
		"walletId":           w.WalletID,
		"agentId":            w.AgentID,
		"tenantId":           w.TenantID,
		"currency":           w.Currency,
		"availableCents":     w.AvailableCents,
		"escrowLockedCents":  w.EscrowLockedCents,
		"totalDebitedCents":  w.TotalDebitedCents,
		"totalCreditedCents": w.TotalCreditedCents,
	}
}

// UpsertOp builds the CAS projection write for the wallet's current state.
// The expected revision is the one the wallet was loaded at; the store bumps
// it on commit.
func (w *Wallet) UpsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind:             ProjectionKind,
		ID:               w.WalletID,
		Body:             w.Body(),
		ExpectedRevision: w.Revision,
	}}
}

// Check verifies the wallet invariants: no negative balance, and
// available + escrowLocked == credited − debited.
func (w *Wallet) Check() error {
	if w.AvailableCents < 0 || w.EscrowLockedCents < 0 || w.TotalDebitedCents < 0 || w.TotalCreditedCents < 0 {
		return protocol.NewError(protocol.CodeWalletInsufficientFunds, "wallet balance would go negative").
			WithDetail("walletId", w.WalletID)
	}
	if w.AvailableCents+w.EscrowLockedCents != w.TotalCreditedCents-w.TotalDebitedCents {
		return protocol.Errorf(protocol.CodeInternal, "wallet %s conservation violated", w.WalletID)
	}
	return nil
}
