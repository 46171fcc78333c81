// Package id generates identifiers for runs, steps, events, and edges.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	// Entity ids are stored in UUID columns, so this is the default.
	StrategyUUIDv7 Strategy = iota
	// StrategyUUIDv4 generates random identifiers using UUID version 4.
	StrategyUUIDv4
)

var defaultGenerator = &Generator{strategy: StrategyUUIDv7}

// Generator produces identifiers for queue entities.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewRunID generates a new run identifier.
func NewRunID() string { return defaultGenerator.newUUID() }

// NewStepID generates a new step identifier.
func NewStepID() string { return defaultGenerator.newUUID() }

// NewEventID generates a new event identifier.
func NewEventID() string { return defaultGenerator.newUUID() }

// NewEdgeID generates a new run-edge identifier.
func NewEdgeID() string { return defaultGenerator.newUUID() }

// NewInstallationID generates a new pack-installation identifier.
func NewInstallationID() string { return defaultGenerator.newUUID() }

func (g *Generator) newUUID() string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	if strategy == StrategyUUIDv7 {
		if u, err := uuid.NewV7(); err == nil {
			return u.String()
		}
	}
	return uuid.New().String()
}

// NewCorrelationID generates a prefixed, lexicographically sortable
// correlation identifier. Correlation ids are opaque strings, so KSUID's
// creation-time ordering makes event streams easy to eyeball.
func NewCorrelationID() string {
	return fmt.Sprintf("corr-%s", ksuid.New().String())
}
