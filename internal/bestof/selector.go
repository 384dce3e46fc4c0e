package bestof

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrNoAttempts is returned when selection runs over an empty batch.
var ErrNoAttempts = errors.New("bestof: no attempts to select from")

// Config holds the scoring weights and consensus thresholds. Weights should
// sum to 1.0 but the selector does not enforce that; relative magnitudes are
// what matter for ranking.
type Config struct {
	CoverageWeight float64
	PassRateWeight float64
	QualityWeight  float64
	SpeedWeight    float64

	// SpeedBudget is the execution time at which the speed component
	// reaches zero. Attempts slower than the budget score 0 on speed,
	// never negative.
	SpeedBudget time.Duration

	// ConsensusThreshold is the minimum agreement score among the top
	// attempts for consensus to hold.
	ConsensusThreshold float64

	// OutlierDeviation is how far an attempt's coverage or quality may
	// sit from the top-3 average before it is flagged as an outlier.
	OutlierDeviation float64
}

// DefaultConfig returns the standard weighting: coverage dominates, then
// pass rate, then quality, with a small speed bonus.
func DefaultConfig() Config {
	return Config{
		CoverageWeight:     0.40,
		PassRateWeight:     0.30,
		QualityWeight:      0.20,
		SpeedWeight:        0.10,
		SpeedBudget:        5 * time.Minute,
		ConsensusThreshold: 0.70,
		OutlierDeviation:   0.20,
	}
}

// Selector ranks attempt batches. Safe for concurrent use; it holds no
// mutable state.
type Selector struct {
	cfg Config
}

// NewSelector returns a selector with the given config. Zero thresholds
// are replaced with defaults so a partially filled config stays usable.
func NewSelector(cfg Config) *Selector {
	def := DefaultConfig()
	if cfg.CoverageWeight == 0 && cfg.PassRateWeight == 0 && cfg.QualityWeight == 0 && cfg.SpeedWeight == 0 {
		cfg.CoverageWeight = def.CoverageWeight
		cfg.PassRateWeight = def.PassRateWeight
		cfg.QualityWeight = def.QualityWeight
		cfg.SpeedWeight = def.SpeedWeight
	}
	if cfg.SpeedBudget <= 0 {
		cfg.SpeedBudget = def.SpeedBudget
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.OutlierDeviation <= 0 {
		cfg.OutlierDeviation = def.OutlierDeviation
	}
	return &Selector{cfg: cfg}
}

// Score computes the weighted total for a single attempt.
func (s *Selector) Score(a AttemptRecord) float64 {
	speed := 1 - a.ExecutionTime.Seconds()/s.cfg.SpeedBudget.Seconds()
	if speed < 0 {
		speed = 0
	}
	return s.cfg.CoverageWeight*a.TestCoverage +
		s.cfg.PassRateWeight*a.PassRate() +
		s.cfg.QualityWeight*a.CodeQualityScore +
		s.cfg.SpeedWeight*speed
}

// SelectBest scores and ranks the attempts, picks the winner, and checks
// consensus among the top three. When requireConsensus is set and agreement
// falls below the threshold, the selection is marked for human review but a
// winner is still returned.
//
// Ranking is deterministic: ties on score break by ascending attempt ID.
func (s *Selector) SelectBest(attempts []AttemptRecord, requireConsensus bool) (Selection, error) {
	if len(attempts) == 0 {
		return Selection{}, ErrNoAttempts
	}

	ranked := make([]AttemptRecord, len(attempts))
	copy(ranked, attempts)
	for i := range ranked {
		ranked[i].TotalScore = s.Score(ranked[i])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TotalScore != ranked[j].TotalScore {
			return ranked[i].TotalScore > ranked[j].TotalScore
		}
		return ranked[i].AttemptID < ranked[j].AttemptID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	consensus := s.checkConsensus(ranked)
	sel := Selection{
		Winner:    ranked[0],
		Ranked:    ranked,
		Consensus: consensus,
	}
	if requireConsensus && !consensus.HasConsensus {
		sel.NeedsHumanReview = true
	}
	return sel, nil
}

// checkConsensus measures how closely the top three attempts agree on
// coverage, pass rate, and quality. Fewer than three attempts means there
// is no population to disagree, so consensus holds trivially.
func (s *Selector) checkConsensus(ranked []AttemptRecord) ConsensusResult {
	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}
	ids := make([]int, len(top))
	for i, a := range top {
		ids[i] = a.AttemptID
	}

	if len(top) < 3 {
		return ConsensusResult{
			HasConsensus:    true,
			AgreementScore:  1.0,
			TopAttemptIDs:   ids,
			ApproachSummary: fmt.Sprintf("%d attempt(s), consensus trivially holds", len(top)),
		}
	}

	varCov := variance(top, func(a AttemptRecord) float64 { return a.TestCoverage })
	varPass := variance(top, func(a AttemptRecord) float64 { return a.PassRate() })
	varQual := variance(top, func(a AttemptRecord) float64 { return a.CodeQualityScore })

	agreement := 0.4*(1-clamp01(varCov*5)) +
		0.4*(1-clamp01(varPass*5)) +
		0.2*(1-clamp01(varQual*5))

	avgCov := mean(top, func(a AttemptRecord) float64 { return a.TestCoverage })
	avgQual := mean(top, func(a AttemptRecord) float64 { return a.CodeQualityScore })

	// Flagged, never excluded: the attempt stays ranked.
	var outliers []int
	for _, a := range ranked[len(top):] {
		if math.Abs(a.TestCoverage-avgCov) > s.cfg.OutlierDeviation ||
			math.Abs(a.CodeQualityScore-avgQual) > s.cfg.OutlierDeviation {
			outliers = append(outliers, a.AttemptID)
		}
	}

	return ConsensusResult{
		HasConsensus:   agreement >= s.cfg.ConsensusThreshold,
		AgreementScore: agreement,
		TopAttemptIDs:  ids,
		OutlierIDs:     outliers,
		ApproachSummary: fmt.Sprintf("top-3 agreement %.2f (coverage var %.4f, pass var %.4f, quality var %.4f)",
			agreement, varCov, varPass, varQual),
	}
}

func mean(attempts []AttemptRecord, metric func(AttemptRecord) float64) float64 {
	m := 0.0
	for _, a := range attempts {
		m += metric(a)
	}
	return m / float64(len(attempts))
}

func variance(attempts []AttemptRecord, metric func(AttemptRecord) float64) float64 {
	m := mean(attempts, metric)
	v := 0.0
	for _, a := range attempts {
		d := metric(a) - m
		v += d * d
	}
	return v / float64(len(attempts))
}

func clamp01(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < 0 {
		return 0
	}
	return x
}
