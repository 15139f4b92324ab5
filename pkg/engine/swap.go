package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/plan"
	"ca-engine/pkg/swaproute"
	"ca-engine/pkg/types"
)

// PlanSwap previews the route of req without moving funds
func (e *Engine) PlanSwap(ctx context.Context, req swaproute.Request, w Wallets) (*swaproute.Route, error) {
	eph, err := e.ephemeral(w, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return e.router.Plan(ctx, req, eph.EVMAddress())
}

// Swap plans and executes req from a fresh ephemeral account. The account's
// salt is journaled before any funds move so Recover can rebuild it.
func (e *Engine) Swap(ctx context.Context, req swaproute.Request, w Wallets) (*swaproute.Result, error) {
	if w.Owner == nil {
		return nil, fmt.Errorf("swap: owner wallet is required")
	}
	salt := uuid.NewString()
	eph, err := e.ephemeral(w, salt)
	if err != nil {
		return nil, err
	}
	route, err := e.router.Plan(ctx, req, eph.EVMAddress())
	if err != nil {
		return nil, err
	}

	recordID := ""
	if e.journal != nil {
		rec, err := e.journal.RecordSwap(swapDetails(route, salt))
		if err != nil {
			return nil, fmt.Errorf("journal swap: %w", err)
		}
		recordID = rec.ID
	}
	log := e.log.WithFields(logrus.Fields{"record_id": recordID, "ephemeral": route.Ephemeral.Hex()})

	result, err := e.router.Execute(ctx, route, w.Owner, eph)
	if result != nil {
		for chainID, tx := range result.SourceTxs {
			e.journalUpdate(recordID, func(id string) error { return e.journal.MarkSourceTx(id, chainID, tx.Hex()) })
		}
		e.notifyDeposits(ctx, route, result)
	}
	if err != nil {
		log.WithError(err).Warn("Swap failed")
		e.journalFailed(recordID, err)
		return result, err
	}
	e.journalUpdate(recordID, func(id string) error {
		return e.journal.MarkFulfilled(id, "swap", hashString(result.DestinationTx))
	})
	return result, nil
}

func swapDetails(route *swaproute.Route, salt string) plan.SwapDetails {
	req := route.Request
	d := plan.SwapDetails{
		Destination:   req.Destination,
		Amount:        req.Amount.String(),
		Recipient:     types.AddressFromEVM(req.Recipient),
		Ephemeral:     types.AddressFromEVM(route.Ephemeral),
		EphemeralSalt: salt,
	}
	if route.Bridge != nil {
		d.CycleID = route.Bridge.CycleID
	}
	for _, l := range route.Source.Legs {
		d.Sources = append(d.Sources, plan.SourceEntry{
			ChainID: l.Holding.Token.ChainID,
			Token:   l.Holding.Token.Symbol,
			Amount:  l.Amount.String(),
		})
	}
	return d
}

func (e *Engine) ephemeral(w Wallets, salt string) (swaproute.Ephemeral, error) {
	if w.NewEphemeral == nil {
		return nil, fmt.Errorf("swap: no ephemeral account factory")
	}
	eph, err := w.NewEphemeral(salt)
	if err != nil {
		return nil, fmt.Errorf("create ephemeral account: %w", err)
	}
	return eph, nil
}

// Recover sweeps what the ephemeral account of a journaled swap still holds
// back to the owner: the COT of every chain the swap touched and its source
// tokens. It refuses while the swap's bridge request could still collect.
func (e *Engine) Recover(ctx context.Context, recordID string, w Wallets) (map[uint64]common.Hash, error) {
	if e.journal == nil {
		return nil, fmt.Errorf("recover: no journal configured")
	}
	if w.Owner == nil {
		return nil, fmt.Errorf("recover: owner wallet is required")
	}
	rec, err := e.journal.Get(recordID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != plan.KindSwap || rec.EphemeralSalt == "" {
		return nil, fmt.Errorf("record %s has no ephemeral account", recordID)
	}
	eph, err := e.ephemeral(w, rec.EphemeralSalt)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(eph.EVMAddress().Hex(), rec.Ephemeral) {
		return nil, fmt.Errorf("owner key derives %s, record %s used %s", eph.EVMAddress().Hex(), recordID, rec.Ephemeral)
	}
	if err := e.bridgeSettled(ctx, rec.CycleID); err != nil {
		return nil, err
	}

	tokens, err := e.recoverTokens(rec)
	if err != nil {
		return nil, err
	}
	swept, err := e.router.Recover(ctx, w.Owner.EVMAddress(), eph, tokens)
	e.log.WithFields(logrus.Fields{"record_id": recordID, "ephemeral": rec.Ephemeral, "chains": len(swept)}).Info("Ephemeral account recovered")
	return swept, err
}

// bridgeSettled fails while a bridge request of cycleID is still open
func (e *Engine) bridgeSettled(ctx context.Context, cycleID string) error {
	if cycleID == "" {
		return nil
	}
	for _, r := range e.journal.List() {
		if r.Kind != plan.KindBridge || r.CycleID != cycleID || r.RequestID == "" {
			continue
		}
		st, err := e.Status(ctx, r.RequestID)
		if err != nil {
			return fmt.Errorf("read bridge request %s: %w", r.RequestID, err)
		}
		if !st.State.Terminal() {
			return fmt.Errorf("bridge request %s is still %s", r.RequestID, st.State)
		}
	}
	return nil
}

func (e *Engine) recoverTokens(rec *plan.Record) ([]types.Token, error) {
	cot, err := e.registry.COT(rec.DestinationChain)
	if err != nil {
		return nil, err
	}
	tokens := []types.Token{cot}
	for _, src := range rec.Sources {
		tok, err := e.registry.Token(src.ChainID, src.Token)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// notifyDeposits reports the transaction behind every deposit-address quote that
// ran. Failures are logged; the aggregator detects deposits on its own.
func (e *Engine) notifyDeposits(ctx context.Context, route *swaproute.Route, result *swaproute.Result) {
	if e.notifier == nil {
		return
	}
	notify := func(ref, tx string) {
		if ref == "" || tx == "" {
			return
		}
		if err := e.notifier.SubmitDepositTx(ctx, ref, tx); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"deposit_address": ref, "tx_hash": tx}).Warn("Failed to report deposit")
		}
	}
	for _, l := range route.Source.Legs {
		if l.Swap == nil {
			continue
		}
		if tx, ok := result.SourceTxs[l.Holding.Token.ChainID]; ok {
			notify(l.Swap.Ref, hashString(tx))
		}
	}
	if result.Swap != nil {
		notify(result.Swap.Ref, hashString(result.DestinationTx))
	}
}
