package autopilot

import (
	"context"

	"github.com/codefleet/codefleet/internal/bestof"
)

// DeployStatus tracks how far a winning attempt made it toward production.
type DeployStatus int

const (
	NotDeployed DeployStatus = iota
	Staging
	Production
	DeployFailed
)

func (s DeployStatus) String() string {
	switch s {
	case NotDeployed:
		return "not_deployed"
	case Staging:
		return "staging"
	case Production:
		return "production"
	case DeployFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deployer hands a winning attempt off to a delivery pipeline.
type Deployer interface {
	Deploy(ctx context.Context, winner bestof.AttemptRecord) (DeployStatus, error)
}

// NoopDeployer never deploys. Used when no pipeline is configured.
type NoopDeployer struct{}

func (NoopDeployer) Deploy(ctx context.Context, winner bestof.AttemptRecord) (DeployStatus, error) {
	return NotDeployed, nil
}
