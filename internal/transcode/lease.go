package transcode

import (
	"fmt"
	"sort"
	"time"
)

// LeaseTier maps file sizes below MaxBytes to a visibility window.
type LeaseTier struct {
	MaxBytes int64
	Window   time.Duration
}

// LeaseEstimator picks a visibility window for a job from the size of its
// input file. Windows never shrink as size grows.
type LeaseEstimator struct {
	tiers    []LeaseTier
	fallback time.Duration
}

const mib = 1024 * 1024

// NewLeaseEstimator validates and sorts the tier table. Tiers must have
// positive bounds and windows, and windows must be non-decreasing in size.
func NewLeaseEstimator(tiers []LeaseTier, fallback time.Duration) (*LeaseEstimator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one lease tier is required")
	}
	if fallback <= 0 {
		return nil, fmt.Errorf("fallback window must be positive")
	}
	sorted := make([]LeaseTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxBytes < sorted[j].MaxBytes })
	var prev time.Duration
	for i, tier := range sorted {
		if tier.MaxBytes <= 0 {
			return nil, fmt.Errorf("tier %d: bound must be positive", i)
		}
		if tier.Window <= 0 {
			return nil, fmt.Errorf("tier %d: window must be positive", i)
		}
		if tier.Window < prev {
			return nil, fmt.Errorf("tier %d: window shrinks as size grows", i)
		}
		if i > 0 && tier.MaxBytes == sorted[i-1].MaxBytes {
			return nil, fmt.Errorf("tier %d: duplicate bound", i)
		}
		prev = tier.Window
	}
	if fallback < prev {
		return nil, fmt.Errorf("fallback window shrinks below largest tier")
	}
	return &LeaseEstimator{tiers: sorted, fallback: fallback}, nil
}

// DefaultLeaseEstimator returns the stock size tiers.
func DefaultLeaseEstimator() *LeaseEstimator {
	est, err := NewLeaseEstimator([]LeaseTier{
		{MaxBytes: 100 * mib, Window: 5 * time.Minute},
		{MaxBytes: 500 * mib, Window: 10 * time.Minute},
		{MaxBytes: 2 * 1024 * mib, Window: 20 * time.Minute},
		{MaxBytes: 4 * 1024 * mib, Window: 35 * time.Minute},
		{MaxBytes: 6 * 1024 * mib, Window: 50 * time.Minute},
	}, 60*time.Minute)
	if err != nil {
		panic(err)
	}
	return est
}

// Window returns the visibility window for a file of the given size.
// Sizes of zero or below use the smallest tier.
func (e *LeaseEstimator) Window(fileSizeBytes int64) time.Duration {
	for _, tier := range e.tiers {
		if fileSizeBytes < tier.MaxBytes {
			return tier.Window
		}
	}
	return e.fallback
}

// EstimateProcessing predicts end-to-end processing time for a file: a
// download, transcode, and upload component scaled per gigabyte plus a
// fixed startup overhead.
func EstimateProcessing(fileSizeBytes int64) time.Duration {
	if fileSizeBytes < 0 {
		fileSizeBytes = 0
	}
	gb := float64(fileSizeBytes) / float64(1024*mib)
	seconds := gb*(30+480+45) + 60
	return time.Duration(seconds * float64(time.Second))
}
