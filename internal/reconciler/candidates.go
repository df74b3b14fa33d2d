package reconciler

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// CandidatesFromLogs returns the ids received in incoming minus every id
// that appears in outgoing, in ascending order. A token that left the
// account is dropped even if it was received again later; ownerOf
// confirmation is the authority on membership.
func CandidatesFromLogs(incoming, outgoing []models.TransferEvent) []*big.Int {
	owned := make(map[string]*big.Int, len(incoming))
	for _, event := range incoming {
		if event.TokenID == nil {
			continue
		}
		owned[event.TokenID.String()] = event.TokenID
	}
	for _, event := range outgoing {
		if event.TokenID == nil {
			continue
		}
		delete(owned, event.TokenID.String())
	}

	candidates := make([]*big.Int, 0, len(owned))
	for _, id := range owned {
		candidates = append(candidates, id)
	}
	sortIDs(candidates)
	return candidates
}

// ConfirmOwnership keeps the candidates whose ownerOf equals account.
// A failed ownerOf drops the candidate like a mismatch does. Order is
// preserved. limit caps in-flight calls; 0 means unbounded. When ctx ends
// before every call returns, ctx.Err() is returned and nothing is confirmed.
func ConfirmOwnership(ctx context.Context, owner OwnerReader, account common.Address, candidates []*big.Int, limit int) (confirmed []*big.Int, stale int, err error) {
	owned := make([]bool, len(candidates))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range candidates {
		g.Go(func() error {
			current, err := owner.OwnerOf(ctx, id)
			if err != nil {
				utils.ComponentLogger("reconciler").WithField("token_id", id.String()).WithError(err).Debug("ownerOf failed, dropping candidate")
				return nil
			}
			owned[i] = utils.SameAddress(current, account)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	confirmed = make([]*big.Int, 0, len(candidates))
	for i, id := range candidates {
		if owned[i] {
			confirmed = append(confirmed, id)
		} else {
			stale++
		}
	}
	return confirmed, stale, nil
}

func sortIDs(ids []*big.Int) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
}
