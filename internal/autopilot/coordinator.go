// Package autopilot runs N independent attempts at one feature, scores
// them, and promotes the best result.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefleet/codefleet/internal/agent"
	"github.com/codefleet/codefleet/internal/bestof"
	"github.com/codefleet/codefleet/internal/events"
	"github.com/codefleet/codefleet/internal/metrics"
	"github.com/codefleet/codefleet/internal/workspace"
)

// Feature describes one unit of work to attempt N times.
type Feature struct {
	ID               int
	Description      string
	ValidationSteps  []string
	Attempts         int // N; default 3
	RequireConsensus bool
}

// AttemptMetrics are the measured qualities of one finished attempt.
type AttemptMetrics struct {
	Coverage     float64
	TestsPassed  int
	TestsFailed  int
	TestsTotal   int
	Quality      float64
	MemoryPeakMB float64
	Cost         float64
}

// Evaluator measures a finished attempt inside its workspace. Implementations
// typically run the project's test and coverage tooling there.
type Evaluator interface {
	Evaluate(ctx context.Context, ws workspace.Workspace, result agent.SessionResult) (AttemptMetrics, error)
}

// CoderFactory creates a coder bound to a workspace path. Attempts always
// start fresh conversations, so the coordinator passes an empty session id.
type CoderFactory func(workDir, sessionID string) (agent.Coder, error)

// Outcome is the result of one best-of-N feature run.
type Outcome struct {
	Selection bestof.Selection
	Deploy    DeployStatus
	// MergedRef is the winner's workspace ref when its work was merged;
	// empty when the selection was parked for human review.
	MergedRef string
}

// Coordinator drives best-of-N runs.
type Coordinator struct {
	manager   workspace.Manager
	newCoder  CoderFactory
	evaluator Evaluator
	selector  *bestof.Selector
	deployer  Deployer    // optional; defaults to NoopDeployer
	notifier  *Notifier   // optional
	bus       *events.Bus // optional
	timeout   time.Duration
}

// CoordinatorOption customizes a coordinator.
type CoordinatorOption func(*Coordinator)

// WithDeployer sets the delivery pipeline for winning attempts.
func WithDeployer(d Deployer) CoordinatorOption {
	return func(c *Coordinator) { c.deployer = d }
}

// WithNotifier enables fire-and-forget notifications.
func WithNotifier(n *Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithBus enables event publication.
func WithBus(bus *events.Bus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// WithAttemptTimeout bounds each attempt's coder session.
func WithAttemptTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator creates a best-of-N coordinator.
func NewCoordinator(mgr workspace.Manager, factory CoderFactory, evaluator Evaluator, selector *bestof.Selector, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		manager:   mgr,
		newCoder:  factory,
		evaluator: evaluator,
		selector:  selector,
		deployer:  NoopDeployer{},
		timeout:   30 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBestOfN executes N concurrent attempts at the feature, selects the
// best one, merges its work, and optionally deploys it. Attempts that error
// out are dropped from the candidate pool; the run fails only when every
// attempt does.
func (c *Coordinator) RunBestOfN(ctx context.Context, feature Feature) (Outcome, error) {
	attempts := feature.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	var (
		mu         sync.Mutex
		records    []bestof.AttemptRecord
		workspaces = make(map[int]workspace.Workspace) // attemptID -> workspace
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attempts)
	for i := 1; i <= attempts; i++ {
		attemptID := i
		g.Go(func() error {
			record, ws, err := c.runAttempt(gctx, feature, attemptID)
			if err != nil {
				log.Printf("WARNING: feature %d attempt %d failed: %v", feature.ID, attemptID, err)
				return nil // a lost attempt never cancels its siblings
			}
			mu.Lock()
			records = append(records, record)
			workspaces[attemptID] = ws
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		c.destroyAll(workspaces)
		return Outcome{}, err
	}
	if len(records) == 0 {
		return Outcome{}, fmt.Errorf("feature %d: all %d attempts failed", feature.ID, attempts)
	}

	selection, err := c.selector.SelectBest(records, feature.RequireConsensus)
	if err != nil {
		c.destroyAll(workspaces)
		return Outcome{}, err
	}

	metrics.RecordConsensusAgreement(selection.Consensus.AgreementScore)
	c.publish(events.TopicAttempt, events.ConsensusCheckedEvent{
		FeatureID:      feature.ID,
		HasConsensus:   selection.Consensus.HasConsensus,
		AgreementScore: selection.Consensus.AgreementScore,
		Timestamp:      time.Now(),
	})

	outcome := Outcome{Selection: selection, Deploy: NotDeployed}

	if selection.NeedsHumanReview {
		// Every workspace stays on disk so a reviewer can compare the
		// attempts before promoting one by hand.
		c.notify(Notification{
			FeatureID: feature.ID,
			Subject:   "best-of-N selection needs review",
			Body: fmt.Sprintf("agreement %.2f below threshold; %d candidate workspaces preserved",
				selection.Consensus.AgreementScore, len(workspaces)),
		})
		return outcome, nil
	}

	winnerWS := workspaces[selection.Winner.AttemptID]
	delete(workspaces, selection.Winner.AttemptID)
	c.destroyAll(workspaces)

	if _, err := winnerWS.MergeOrCleanup(ctx, true); err != nil {
		var conflict *workspace.MergeConflictError
		if errors.As(err, &conflict) {
			metrics.RecordMergeConflict()
			c.notify(Notification{
				FeatureID: feature.ID,
				Subject:   "winning attempt hit a merge conflict",
				Body:      conflict.Error(),
			})
			return outcome, err
		}
		return outcome, fmt.Errorf("merging winner: %w", err)
	}
	outcome.MergedRef = winnerWS.Info().Ref

	status, err := c.deployer.Deploy(ctx, selection.Winner)
	if err != nil {
		outcome.Deploy = DeployFailed
		c.notify(Notification{
			FeatureID: feature.ID,
			Subject:   "deployment failed",
			Body:      err.Error(),
		})
		return outcome, nil
	}
	outcome.Deploy = status

	c.notify(Notification{
		FeatureID: feature.ID,
		Subject:   "feature completed",
		Body: fmt.Sprintf("attempt %d won with score %.3f; deploy status %s",
			selection.Winner.AttemptID, selection.Winner.TotalScore, status),
	})
	return outcome, nil
}

// runAttempt executes one attempt in its own workspace and measures it.
// The workspace is returned alive; the caller decides merge vs destroy
// after selection.
func (c *Coordinator) runAttempt(ctx context.Context, feature Feature, attemptID int) (bestof.AttemptRecord, workspace.Workspace, error) {
	ws, err := c.manager.Create(ctx, fmt.Sprintf("feature_%d_attempt_%d", feature.ID, attemptID))
	if err != nil {
		return bestof.AttemptRecord{}, nil, fmt.Errorf("creating workspace: %w", err)
	}
	destroy := func() { _ = ws.Destroy(context.Background(), true) }

	if err := ws.Setup(ctx); err != nil {
		destroy()
		return bestof.AttemptRecord{}, nil, fmt.Errorf("workspace setup: %w", err)
	}

	coder, err := c.newCoder(ws.Info().Path, "")
	if err != nil {
		destroy()
		return bestof.AttemptRecord{}, nil, fmt.Errorf("creating coder: %w", err)
	}
	defer coder.Close()

	start := time.Now()
	result, err := coder.RunSession(ctx, agent.SessionRequest{
		Prompt:          feature.Description,
		ValidationSteps: feature.ValidationSteps,
		WorkDir:         ws.Info().Path,
		Timeout:         c.timeout,
	})
	if err != nil {
		destroy()
		return bestof.AttemptRecord{}, nil, err
	}
	if !result.Success {
		destroy()
		return bestof.AttemptRecord{}, nil, fmt.Errorf("session did not pass validation")
	}
	elapsed := time.Since(start)

	measured, err := c.evaluator.Evaluate(ctx, ws, result)
	if err != nil {
		destroy()
		return bestof.AttemptRecord{}, nil, fmt.Errorf("evaluating attempt: %w", err)
	}

	artifacts, err := ws.ExtractResults(ctx)
	if err != nil {
		log.Printf("WARNING: feature %d attempt %d: failed to extract artifacts: %v", feature.ID, attemptID, err)
	}

	record := bestof.AttemptRecord{
		FeatureID:        feature.ID,
		AttemptID:        attemptID,
		WorkspaceID:      ws.Info().ID,
		TestCoverage:     measured.Coverage,
		TestsPassed:      measured.TestsPassed,
		TestsFailed:      measured.TestsFailed,
		TestsTotal:       measured.TestsTotal,
		CodeQualityScore: measured.Quality,
		ExecutionTime:    elapsed,
		MemoryPeakMB:     measured.MemoryPeakMB,
		Artifacts:        artifacts,
		Cost:             measured.Cost,
	}
	metrics.RecordAttemptScore(c.selector.Score(record))
	c.publish(events.TopicAttempt, events.AttemptCompletedEvent{
		FeatureID: feature.ID,
		AttemptID: attemptID,
		Score:     c.selector.Score(record),
		Timestamp: time.Now(),
	})
	return record, ws, nil
}

func (c *Coordinator) destroyAll(workspaces map[int]workspace.Workspace) {
	for _, ws := range workspaces {
		if err := ws.Destroy(context.Background(), true); err != nil {
			log.Printf("WARNING: failed to destroy losing workspace %s: %v", ws.Info().ID, err)
		}
	}
}

func (c *Coordinator) notify(msg Notification) {
	if c.notifier != nil {
		c.notifier.Send(msg)
	}
}

func (c *Coordinator) publish(topic string, event events.Event) {
	if c.bus != nil {
		c.bus.Publish(topic, event)
	}
}
