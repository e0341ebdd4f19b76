// Package profile estimates upload throughput and maps it to a speed tier
// that drives chunk sizing and per-attempt timeouts.
package profile

import (
	"fmt"
	"time"
)

type Tier string

const (
	TierSlow   Tier = "slow"
	TierMedium Tier = "medium"
	TierFast   Tier = "fast"
	TierUltra  Tier = "ultra"
)

const (
	KB = 1024
	MB = 1024 * KB
)

// Tier boundaries in MB/s.
const (
	slowBelow   = 1.0
	mediumBelow = 5.0
	fastBelow   = 20.0
)

var chunkSizes = map[Tier]int64{
	TierSlow:   1 * MB,
	TierMedium: 5 * MB,
	TierFast:   10 * MB,
	TierUltra:  25 * MB,
}

// expectedSpeed is the throughput, in bytes per second, a chunk transfer is
// budgeted for when computing its timeout.
var expectedSpeed = map[Tier]float64{
	TierSlow:   0.5 * MB,
	TierMedium: 2.5 * MB,
	TierFast:   10 * MB,
	TierUltra:  25 * MB,
}

// ParseTier accepts the lowercase tier names.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := chunkSizes[t]; !ok {
		return "", fmt.Errorf("unknown network tier %q", s)
	}
	return t, nil
}

// ChunkSize returns the target chunk size for the tier. Unknown tiers get
// the medium size.
func (t Tier) ChunkSize() int64 {
	if size, ok := chunkSizes[t]; ok {
		return size
	}
	return chunkSizes[TierMedium]
}

// ExpectedBytesPerSec is the nominal sustained speed of the tier.
func (t Tier) ExpectedBytesPerSec() float64 {
	if s, ok := expectedSpeed[t]; ok {
		return s
	}
	return expectedSpeed[TierMedium]
}

// Classify maps a measured throughput in bytes per second to a tier.
func Classify(bytesPerSec float64) Tier {
	mbps := bytesPerSec / MB
	switch {
	case mbps < slowBelow:
		return TierSlow
	case mbps < mediumBelow:
		return TierMedium
	case mbps < fastBelow:
		return TierFast
	default:
		return TierUltra
	}
}

// Profile is the network classification a session plans with.
type Profile struct {
	Tier           Tier    `json:"tier"`
	ChunkSizeBytes int64   `json:"chunk_size_bytes"`
	BytesPerSec    float64 `json:"bytes_per_sec,omitempty"`
	// Measured is false when the tier came from an override or a fallback.
	Measured bool `json:"measured"`
}

func ForTier(t Tier) Profile {
	return Profile{Tier: t, ChunkSizeBytes: t.ChunkSize()}
}

// TransferTimeout is the per-attempt deadline for uploading length bytes
// on tier t: a fixed 10s allowance plus three times the nominal transfer time.
func TransferTimeout(t Tier, length int64) time.Duration {
	nominal := float64(length) / t.ExpectedBytesPerSec()
	return 10*time.Second + time.Duration(3*nominal*float64(time.Second))
}
