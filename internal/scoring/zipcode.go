// Package scoring turns per-(miner, zipcode) tier results into the
// competitive ranking for a zipcode and the miner/zipcode weights for a
// whole epoch.
package scoring

import (
	"sort"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// rankRewardPct is the fixed winner split: first, second, third place.
var rankRewardPct = []float64{0.55, 0.30, 0.10}

// participationPoolPct is the share of a zipcode's reward set aside for
// submissions that pass tiers 1 and 2 but do not place in the top three
// (tier-3 failures and fully passing submissions beyond rank 3).
const participationPoolPct = 0.05

// RankZipcode produces the C4 ranking for one zipcode from every
// (miner, submission, tierResult) triple observed for it. Submissions are
// ordered by submitted_at ascending, miner_id ascending as the tie-break,
// so the ranking is identical for every validator evaluating the same
// input set regardless of map iteration order.
func RankZipcode(assignment epoch.ZipcodeAssignment, submissions []epoch.MinerSubmission, results map[string]epoch.TierResult) epoch.ZipcodeRanking {
	type candidate struct {
		submission epoch.MinerSubmission
		result     epoch.TierResult
		count      int
	}

	candidates := make([]candidate, 0, len(submissions))
	for _, sub := range submissions {
		result, ok := results[sub.MinerID]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			submission: sub,
			result:     result,
			count:      len(sub.ListingsByZip[assignment.Zipcode]),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].submission, candidates[j].submission
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.MinerID < b.MinerID
	})

	ranking := epoch.ZipcodeRanking{
		Zipcode:          assignment.Zipcode,
		ExpectedListings: assignment.ExpectedListings,
		Rewards:          map[string]epoch.RewardShare{},
	}

	var winners []epoch.Winner
	var participants []epoch.Participant

	for _, c := range candidates {
		if !c.result.OverallPasses() {
			if c.result.Tier1.Passes && c.result.Tier2.Passes && !c.result.Tier3.Passes {
				participants = append(participants, epoch.Participant{
					MinerID:      c.submission.MinerID,
					ListingCount: c.count,
					FailedAt:     "tier3",
				})
			}
			continue
		}

		if len(winners) < len(rankRewardPct) {
			// Only listings from winning submissions count toward the
			// zipcode's total — a zipcode where everything fails tier1
			// contributes 0, per the winners-only definition of this field.
			ranking.TotalListingsFound += c.count
			rank := len(winners) + 1
			winners = append(winners, epoch.Winner{
				MinerID:      c.submission.MinerID,
				SubmittedAt:  c.submission.SubmittedAt,
				ListingCount: c.count,
				Rank:         rank,
				RewardPct:    rankRewardPct[rank-1],
				TierResults:  c.result,
			})
			continue
		}

		participants = append(participants, epoch.Participant{
			MinerID:      c.submission.MinerID,
			ListingCount: c.count,
		})
	}

	ranking.Winners = winners
	ranking.Participants = participants

	for _, w := range winners {
		ranking.Rewards[w.MinerID] = epoch.RewardShare{Rank: w.Rank, Pct: w.RewardPct, Count: w.ListingCount}
	}

	if len(participants) > 0 {
		share := participationPoolPct / float64(len(participants))
		for _, p := range participants {
			ranking.Rewards[p.MinerID] = epoch.RewardShare{Pct: share, Count: p.ListingCount}
		}
	}
	// If there are no participants the 5% pool is simply discarded, not
	// redistributed to winners — it has no claimant.

	return ranking
}
