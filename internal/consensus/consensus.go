// Package consensus canonicalizes an epoch result into a deterministic
// byte form, hashes it, and reconciles the hash every validator computed
// independently into a single majority verdict.
package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Verdict is the outcome of reconciling every validator's reported hash
// for one epoch.
type Verdict string

const (
	VerdictPerfect  Verdict = "perfect"  // every validator reported the same hash
	VerdictMajority Verdict = "majority" // a quorum share agreed
	VerdictFailed   Verdict = "failed"   // no hash reached the majority threshold
)

// quantizeDigits is the significant-digit precision every float in the
// canonical form is rounded to before hashing, so harmless floating-point
// representation differences across validator implementations never
// produce different hashes for the same underlying result.
const quantizeDigits = 12

// CanonicalJSON renders an EpochResult into a byte-stable JSON document:
// map keys sorted, floats quantized to a fixed significant-digit
// precision with round-half-to-even, no whitespace.
func CanonicalJSON(r epoch.EpochResult) ([]byte, error) {
	doc := map[string]interface{}{
		"epoch_id":             r.EpochID,
		"miner_scores":         quantizeMap(r.MinerScores),
		"zipcode_weights":      quantizeMap(r.ZipcodeWeights),
		"total_epoch_listings": r.TotalEpochListings,
		"total_participants":   r.TotalParticipants,
		"total_winners":        r.TotalWinners,
	}
	return marshalSorted(doc)
}

// quantizeMap rounds every value in a string-keyed float map to
// quantizeDigits significant digits, producing a new map so the input is
// never mutated.
func quantizeMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = quantize(v, quantizeDigits)
	}
	return out
}

// quantize rounds v to the given number of significant digits using
// round-half-to-even, via math/big's Float rounding mode so the result is
// deterministic across architectures.
func quantize(v float64, digits int) float64 {
	if v == 0 {
		return 0
	}
	bf := new(big.Float).SetPrec(200).SetFloat64(v)
	text := bf.Text('e', digits-1)
	var rounded big.Float
	if _, _, err := rounded.Parse(text, 10); err != nil {
		return v
	}
	out, _ := rounded.Float64()
	return out
}

// marshalSorted JSON-encodes a map with string keys in sorted order at
// every nesting level, which Go's encoding/json already guarantees for
// map[string]T — this wrapper exists so the guarantee is explicit and
// tested rather than incidental.
func marshalSorted(doc map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte("{")
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(doc[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Hash computes the hex-encoded sha256 digest of an epoch result's
// canonical serialization — the value every validator gossips and
// compares.
func Hash(r epoch.EpochResult) (string, error) {
	canon, err := CanonicalJSON(r)
	if err != nil {
		return "", fmt.Errorf("consensus: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Reconcile tallies every validator's reported hash for an epoch and
// returns the verdict plus the winning hash (empty if failed).
// majorityThreshold is a fraction in (0, 1], e.g. 0.90 for a 90% quorum.
func Reconcile(hashesByValidator map[string]string, majorityThreshold float64) (Verdict, string) {
	total := len(hashesByValidator)
	if total == 0 {
		return VerdictFailed, ""
	}

	counts := map[string]int{}
	for _, h := range hashesByValidator {
		counts[h]++
	}

	var winningHash string
	var winningCount int
	for h, c := range counts {
		if c > winningCount || (c == winningCount && h < winningHash) {
			winningHash = h
			winningCount = c
		}
	}

	if winningCount == total {
		return VerdictPerfect, winningHash
	}
	if float64(winningCount)/float64(total) >= majorityThreshold {
		return VerdictMajority, winningHash
	}
	return VerdictFailed, ""
}

// OutlierValidators returns the validator IDs whose reported hash did not
// match the winning hash, for feeding into the per-validator outlier
// score.
func OutlierValidators(hashesByValidator map[string]string, winningHash string) []string {
	var out []string
	for id, h := range hashesByValidator {
		if h != winningHash {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
