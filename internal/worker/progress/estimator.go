package progress

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/primenet/internal/worker/core"
)

var (
	ErrInvalidTarget    = errors.New("target must be positive")
	ErrInvalidIteration = errors.New("iteration out of range")
)

// Estimate computes percent done and the remaining seconds for one
// assignment. The ETA is nil when the speed is unknown.
func Estimate(target, iteration int64, msPerIteration *float64) (float64, *int64, error) {
	if target <= 0 {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}
	if iteration < 0 || iteration > target {
		return 0, nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidIteration, iteration, target)
	}

	percent := 100 * float64(iteration) / float64(target)
	if msPerIteration == nil {
		return percent, nil, nil
	}
	eta := int64(*msPerIteration * float64(target-iteration) / 1000)
	return percent, &eta, nil
}

// QueueEstimate is the outcome of EstimateQueue.
type QueueEstimate struct {
	Items []core.Progress
	// Speed is the ms/iteration applied to every item, nil when unknown.
	Speed *float64
	// Aggregate is the cumulative ETA of the last estimable item.
	Aggregate *int64
}

// EstimateQueue estimates every queued assignment in order. The first
// assignment's observed speed applies to the whole queue, falling back to
// fallback when it has none. ETAs accumulate so each one is the time until
// that assignment completes. Invalid assignments are left out and reported in
// the joined error while the others are still estimated.
func EstimateQueue(items []core.Assignment, fallback *float64) (QueueEstimate, error) {
	var est QueueEstimate
	if len(items) == 0 {
		return est, nil
	}

	est.Speed = items[0].MsPerIteration
	if est.Speed == nil {
		est.Speed = fallback
	}

	var errs []error
	for _, a := range items {
		percent, eta, err := Estimate(a.Exponent, a.Iteration, est.Speed)
		if err != nil {
			errs = append(errs, fmt.Errorf("assignment %s: %w", a.ID, err))
			continue
		}
		if eta != nil {
			total := *eta
			if est.Aggregate != nil {
				total += *est.Aggregate
			}
			est.Aggregate = &total
			eta = &total
		}
		est.Items = append(est.Items, core.Progress{Assignment: a, Percent: percent, ETASeconds: eta})
	}
	return est, errors.Join(errs...)
}
