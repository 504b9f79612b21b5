package ports

import (
	"context"

	"github.com/alejandrodnm/backsim/internal/domain"
)

// ScenarioSource loads a replayable scenario.
type ScenarioSource interface {
	LoadScenario(ctx context.Context) (domain.Scenario, error)
}
