package autopilot

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/codefleet/codefleet/internal/agent"
	"github.com/codefleet/codefleet/internal/workspace"
)

var coverageRe = regexp.MustCompile(`coverage: (\d+(?:\.\d+)?)% of statements`)

// GoTestEvaluator measures attempts by running the Go test suite with
// coverage inside the attempt's workspace.
type GoTestEvaluator struct {
	// Args overrides the test invocation; defaults to
	// ["go", "test", "-cover", "./..."].
	Args []string
}

// Evaluate runs the suite and derives coverage, pass counts, and a quality
// score from the output. A failing suite is not an error: it yields a
// low-scoring record, and the selector does the judging.
func (e *GoTestEvaluator) Evaluate(ctx context.Context, ws workspace.Workspace, result agent.SessionResult) (AttemptMetrics, error) {
	args := e.Args
	if len(args) == 0 {
		args = []string{"go", "test", "-cover", "./..."}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = ws.Info().Path
	out, runErr := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return AttemptMetrics{}, ctx.Err()
	}

	metrics := parseTestOutput(string(out))
	if runErr != nil && metrics.TestsTotal == 0 {
		// The suite did not even run (build failure, missing module).
		metrics.Quality = 0
	}
	return metrics, nil
}

// parseTestOutput extracts per-package pass/fail counts and the mean
// coverage from `go test -cover` output.
func parseTestOutput(out string) AttemptMetrics {
	var m AttemptMetrics

	var coverSum float64
	var coverCount int
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "ok "):
			m.TestsPassed++
			m.TestsTotal++
		case strings.HasPrefix(trimmed, "FAIL"), strings.HasPrefix(trimmed, "--- FAIL"):
			if strings.HasPrefix(trimmed, "FAIL\t") || strings.HasPrefix(trimmed, "FAIL ") {
				m.TestsFailed++
				m.TestsTotal++
			}
		}
		if match := coverageRe.FindStringSubmatch(trimmed); match != nil {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil {
				coverSum += v / 100
				coverCount++
			}
		}
	}
	if coverCount > 0 {
		m.Coverage = coverSum / float64(coverCount)
	}
	if m.TestsTotal > 0 {
		// Quality tracks how cleanly the suite ran; richer signals
		// (lint findings, review feedback) can replace this via a
		// custom Evaluator.
		m.Quality = float64(m.TestsPassed) / float64(m.TestsTotal)
	}
	return m
}
