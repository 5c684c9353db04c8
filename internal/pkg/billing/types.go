package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain selects which reconciler handles an event.
type Domain string

const (
	DomainPaymentIntent Domain = "payment_intent"
	DomainSubscription  Domain = "subscription"
)

func (d Domain) String() string {
	return string(d)
}

// Event is the pre-verified envelope handed to the engine.
type Event struct {
	ID      string          `json:"id" validate:"required,max=191"`
	Type    string          `json:"type" validate:"required,max=100"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// OutcomeKind tells the event log how to finalize an entry.
type OutcomeKind int

const (
	OutcomeApplied OutcomeKind = iota
	OutcomeIgnored
)

// Outcome is what a reconciler reports back for a single event.
type Outcome struct {
	Kind      OutcomeKind
	Aggregate string
	Reason    string
}

func applied(aggregate string) Outcome {
	return Outcome{Kind: OutcomeApplied, Aggregate: aggregate}
}

func ignored(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeIgnored, Reason: fmt.Sprintf(format, args...)}
}

func aggregateRef(kind string, id uint) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Config is the processing configuration passed to the engine at construction.
type Config struct {
	// ProviderTimeout bounds every single call to the payment provider.
	ProviderTimeout time.Duration
	// StuckAfter is how long a processing entry may sit untouched before it is
	// considered interrupted.
	StuckAfter time.Duration
	// Now is the clock; tests override it.
	Now func() time.Time
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 10 * time.Second,
		StuckAfter:      30 * time.Minute,
		Now:             time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
