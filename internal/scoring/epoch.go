package scoring

import (
	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// AggregateEpoch folds every zipcode's ranking into the epoch-level miner
// scores and zipcode weights. zipcode_weight is each zipcode's share of
// the epoch's total listings found; miner_scores accumulates each
// miner's reward share across every zipcode it won or participated in,
// then normalizes the result to sum to 1.0. An epoch with zero listings
// anywhere returns the canonical empty result.
func AggregateEpoch(epochID string, rankings []epoch.ZipcodeRanking) epoch.EpochResult {
	result := epoch.EpochResult{
		EpochID:        epochID,
		MinerScores:    map[string]float64{},
		ZipcodeWeights: map[string]float64{},
	}

	totalListings := 0
	for _, r := range rankings {
		totalListings += r.TotalListingsFound
		result.TotalWinners += len(r.Winners)
		result.TotalParticipants += len(r.Participants)
	}
	result.TotalEpochListings = totalListings

	if totalListings == 0 {
		return epoch.NewEmptyEpochResult(epochID)
	}

	rawScores := map[string]float64{}
	for _, r := range rankings {
		zipcodeWeight := float64(r.TotalListingsFound) / float64(totalListings)
		result.ZipcodeWeights[r.Zipcode] = zipcodeWeight

		for minerID, reward := range r.Rewards {
			rawScores[minerID] += reward.Pct * zipcodeWeight
		}
	}

	var sum float64
	for _, v := range rawScores {
		sum += v
	}
	if sum > 0 {
		for minerID, v := range rawScores {
			result.MinerScores[minerID] = v / sum
		}
	}

	return result
}
