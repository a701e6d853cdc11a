package settlement

import "context"

// FeeEstimator suggests a fee/priority level for an instruction. Advisory
// only: estimation failure never blocks settlement.
type FeeEstimator interface {
	Estimate(ctx context.Context, instr Instruction) (string, error)
}

// StaticEstimator always answers with a fixed level.
type StaticEstimator struct {
	Level string
}

func (e StaticEstimator) Estimate(context.Context, Instruction) (string, error) {
	if e.Level == "" {
		return "standard", nil
	}
	return e.Level, nil
}
