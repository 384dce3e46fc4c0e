// Package bestof scores and ranks redundant attempts at the same feature
// and validates consensus among the top results.
package bestof

import (
	"time"

	"github.com/codefleet/codefleet/internal/workspace"
)

// AttemptRecord is the immutable outcome of one independent attempt at a
// feature. TotalScore and Rank are the only fields the selector fills in.
type AttemptRecord struct {
	FeatureID   int
	AttemptID   int // 1..N within the batch
	WorkspaceID string

	TestCoverage     float64 // [0,1]
	TestsPassed      int
	TestsFailed      int
	TestsTotal       int
	CodeQualityScore float64 // [0,1]
	ExecutionTime    time.Duration
	MemoryPeakMB     float64
	Artifacts        workspace.Artifacts
	Cost             float64

	// Computed by the selector.
	TotalScore float64
	Rank       int
}

// PassRate returns tests passed over tests total, 0 when no tests ran.
func (a AttemptRecord) PassRate() float64 {
	if a.TestsTotal == 0 {
		return 0
	}
	return float64(a.TestsPassed) / float64(a.TestsTotal)
}

// ConsensusResult reports agreement among the top-scoring attempts.
// Recomputed on every selection; never persisted.
type ConsensusResult struct {
	HasConsensus    bool
	AgreementScore  float64 // [0,1]
	TopAttemptIDs   []int
	OutlierIDs      []int
	ApproachSummary string
}

// Selection is the full outcome of a best-of-N pass.
type Selection struct {
	Winner    AttemptRecord
	Ranked    []AttemptRecord // All attempts, rank order
	Consensus ConsensusResult

	// NeedsHumanReview is set when consensus was required but not reached.
	// The winner is still returned; selection never blocks on consensus.
	NeedsHumanReview bool
}
