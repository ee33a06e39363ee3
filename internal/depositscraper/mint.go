package depositscraper

import (
	"context"
	"fmt"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/idempotency"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
)

// mintItem mints one Pending or Failed deposit. The ledger memo is derived
// from the signature, so a retry after an unrecorded success comes back as
// Duplicate and is recorded with the original block index.
func (s *Scraper) mintItem(ctx context.Context, it *batchItem, report *CycleReport) {
	d := *it.pending
	log := s.log.With("signature", d.Signature)

	dropped, err := s.registry.IsDropped(ctx, tasks.KindMintAttempt, d.Signature)
	if err != nil {
		log.Error("check mint task", "err", err)
		return
	}
	if dropped {
		it.resolved = true
		return
	}

	t, err := s.registry.Schedule(ctx, tasks.KindMintAttempt, d.Signature)
	if err != nil {
		log.Error("schedule mint task", "err", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	blockIndex, mintErr := s.ledger.Mint(cctx, d.Account, d.Amount, idempotency.MintMemoV1(d.Signature))
	cancel()
	if orig, ok := ledger.IsDuplicate(mintErr); ok {
		log.Info("mint already applied", "blockIndex", orig)
		blockIndex, mintErr = orig, nil
	}

	if mintErr == nil {
		if err := s.store.MarkMinted(ctx, d.Signature, blockIndex); err != nil {
			// The ledger has the mint; the next attempt sees Duplicate.
			log.Error("mark minted", "blockIndex", blockIndex, "err", err)
			s.recordMintAttempt(ctx, t, fmt.Errorf("mark minted: %w", err), it, report)
			return
		}
		if _, err := s.registry.RecordAttempt(ctx, t.ID, nil); err != nil {
			log.Warn("record mint success", "err", err)
		}
		it.resolved = true
		report.Minted++
		log.Info("deposit minted", "account", d.Account, "amount", d.Amount, "blockIndex", blockIndex)
		audit.Emit(ctx, s.cfg.Audit, s.log, audit.Event{
			Type:       audit.EventMintedDeposit,
			Signature:  d.Signature,
			Slot:       d.Slot,
			Account:    d.Account,
			Amount:     d.Amount,
			BlockIndex: audit.Uint64(blockIndex),
		})
		return
	}

	report.MintFailed++
	if err := s.store.MarkFailed(ctx, d.Signature, mintErr.Error()); err != nil {
		log.Error("mark mint failed", "err", err)
	}
	log.Warn("mint failed", "account", d.Account, "amount", d.Amount, "err", mintErr)
	audit.Emit(ctx, s.cfg.Audit, s.log, audit.Event{
		Type:      audit.EventMintFailed,
		Signature: d.Signature,
		Account:   d.Account,
		Amount:    d.Amount,
		Reason:    mintErr.Error(),
	})
	s.recordMintAttempt(ctx, t, mintErr, it, report)
}

func (s *Scraper) recordMintAttempt(ctx context.Context, t tasks.Task, attemptErr error, it *batchItem, report *CycleReport) {
	t, err := s.registry.RecordAttempt(ctx, t.ID, attemptErr)
	if err != nil {
		s.log.Error("record mint attempt", "signature", it.pending.Signature, "err", err)
		return
	}
	if t.Status == tasks.StatusDropped {
		report.Dropped++
		it.resolved = true
	}
}
