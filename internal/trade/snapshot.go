package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/store"
	"github.com/fantalega/trade-engine/internal/validator"
)

// maxCatalogReads bounds concurrent catalog lookups per snapshot.
const maxCatalogReads = 8

// loadSnapshot reads both participants and every referenced player and
// block concurrently. Records that do not exist are left out so the
// validator can name them; any other read error aborts the load.
func loadSnapshot(ctx context.Context, cat store.Catalog, c model.Candidate) (validator.Snapshot, error) {
	snap := validator.Snapshot{
		Players: make(map[string]model.Player),
		Blocks:  make(map[string]model.GoalkeeperBlock),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCatalogReads)

	participant := func(id string, dst **model.Participant) {
		if id == "" {
			return
		}
		g.Go(func() error {
			p, err := cat.GetParticipant(ctx, id)
			if err != nil {
				return missingOK(err)
			}
			mu.Lock()
			*dst = p
			mu.Unlock()
			return nil
		})
	}
	participant(c.ProposerID, &snap.Proposer)
	participant(c.ReceiverID, &snap.Receiver)

	for _, ids := range [][]string{c.ProposerPlayerIDs, c.ReceiverPlayerIDs} {
		for _, id := range ids {
			id := id
			g.Go(func() error {
				p, err := cat.GetPlayer(ctx, id)
				if err != nil {
					return missingOK(err)
				}
				mu.Lock()
				snap.Players[id] = *p
				mu.Unlock()
				return nil
			})
		}
	}
	for _, ids := range [][]string{c.ProposerBlockIDs, c.ReceiverBlockIDs} {
		for _, id := range ids {
			id := id
			g.Go(func() error {
				b, err := cat.GetBlock(ctx, id)
				if err != nil {
					return missingOK(err)
				}
				mu.Lock()
				snap.Blocks[id] = *b
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return validator.Snapshot{}, fmt.Errorf("trade: load catalog: %w", err)
	}
	return snap, nil
}

func missingOK(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
