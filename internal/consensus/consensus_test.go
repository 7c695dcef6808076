package consensus

import (
	"testing"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

func sampleResult() epoch.EpochResult {
	return epoch.EpochResult{
		EpochID:            "epoch-1",
		MinerScores:        map[string]float64{"miner-b": 0.4, "miner-a": 0.6},
		ZipcodeWeights:     map[string]float64{"10001": 0.25, "19103": 0.75},
		TotalEpochListings: 400,
		TotalParticipants:  2,
		TotalWinners:       2,
	}
}

func TestHashDeterministic(t *testing.T) {
	r := sampleResult()
	a, err := Hash(r)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	b, err := Hash(r)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
}

func TestHashStableAcrossFloatNoise(t *testing.T) {
	r1 := sampleResult()
	r2 := sampleResult()
	// A value that differs only far beyond the quantization precision
	// must still hash identically.
	r2.MinerScores["miner-a"] = 0.6 + 1e-15

	h1, err := Hash(r1)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	h2, err := Hash(r2)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash should be stable under sub-precision float noise: %s vs %s", h1, h2)
	}
}

func TestHashChangesOnMaterialDifference(t *testing.T) {
	r1 := sampleResult()
	r2 := sampleResult()
	r2.MinerScores["miner-a"] = 0.5

	h1, _ := Hash(r1)
	h2, _ := Hash(r2)
	if h1 == h2 {
		t.Fatal("hash should differ when a score materially differs")
	}
}

func TestReconcilePerfect(t *testing.T) {
	hashes := map[string]string{"v1": "abc", "v2": "abc", "v3": "abc"}
	verdict, hash := Reconcile(hashes, 0.90)
	if verdict != VerdictPerfect || hash != "abc" {
		t.Fatalf("got (%v, %s), want (perfect, abc)", verdict, hash)
	}
}

func TestReconcileMajority(t *testing.T) {
	hashes := map[string]string{"v1": "abc", "v2": "abc", "v3": "abc", "v4": "xyz"}
	verdict, hash := Reconcile(hashes, 0.70)
	if verdict != VerdictMajority || hash != "abc" {
		t.Fatalf("got (%v, %s), want (majority, abc)", verdict, hash)
	}
}

func TestReconcileFailed(t *testing.T) {
	hashes := map[string]string{"v1": "abc", "v2": "xyz", "v3": "def", "v4": "ghi"}
	verdict, hash := Reconcile(hashes, 0.90)
	if verdict != VerdictFailed || hash != "" {
		t.Fatalf("got (%v, %q), want (failed, \"\")", verdict, hash)
	}
}

func TestReconcileEmpty(t *testing.T) {
	verdict, hash := Reconcile(nil, 0.90)
	if verdict != VerdictFailed || hash != "" {
		t.Fatalf("got (%v, %q), want (failed, \"\")", verdict, hash)
	}
}

func TestOutlierValidators(t *testing.T) {
	hashes := map[string]string{"v1": "abc", "v2": "abc", "v3": "xyz"}
	outliers := OutlierValidators(hashes, "abc")
	if len(outliers) != 1 || outliers[0] != "v3" {
		t.Fatalf("outliers = %v, want [v3]", outliers)
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	if q := quantize(0, 12); q != 0 {
		t.Fatalf("quantize(0) = %v, want 0", q)
	}
	q := quantize(0.123456789012345, 12)
	if q == 0 {
		t.Fatal("quantize should not zero out a nonzero value")
	}
}
