// Package routing implements the kind -> logical queue and routing key
// mapping (§3.5) used by the Publisher and the Queue Topology Manager. The
// mapping is a lookup table, not a naming convention baked into callers,
// so a kind's physical queue name can be overridden without touching the
// publisher or the topology manager.
package routing

import (
	"fmt"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// Exchange is the single direct exchange every kind publishes through.
const Exchange = "jobs.direct"

// Config maps each job kind to its queue name, dead-letter exchange, and
// dead-letter queue name.
type Config struct {
	Queue      string
	DLX        string
	DLQ        string
	MaxRetries int
}

// Table is the routing policy for every recognized kind.
type Table struct {
	byKind map[domain.JobKind]Config
}

// DefaultTable builds the routing table per §3.5: queue `q.<kind>`,
// dead-letter exchange `q.<kind>.dlx`, dead-letter queue `q.<kind>.dlq`.
func DefaultTable() *Table {
	t := &Table{byKind: make(map[domain.JobKind]Config, len(domain.AllJobKinds))}
	for _, kind := range domain.AllJobKinds {
		queue := fmt.Sprintf("q.%s", kind)
		t.byKind[kind] = Config{
			Queue:      queue,
			DLX:        queue + ".dlx",
			DLQ:        queue + ".dlq",
			MaxRetries: 3,
		}
	}
	return t
}

// WithQueueName overrides a single kind's physical queue name, keeping the
// DLX/DLQ names derived from the new queue name. This is how the historical
// "ai kind routes to a queue literally named default" naming quirk noted in
// the predecessor system could be reintroduced without changing any caller.
func (t *Table) WithQueueName(kind domain.JobKind, queue string) *Table {
	cfg := t.byKind[kind]
	cfg.Queue = queue
	cfg.DLX = queue + ".dlx"
	cfg.DLQ = queue + ".dlq"
	t.byKind[kind] = cfg
	return t
}

// WithMaxRetries overrides a kind's retry budget.
func (t *Table) WithMaxRetries(kind domain.JobKind, maxRetries int) *Table {
	cfg := t.byKind[kind]
	cfg.MaxRetries = maxRetries
	t.byKind[kind] = cfg
	return t
}

// RoutingKey returns `jobs.<kind>`, the routing key used on the primary
// exchange.
func RoutingKey(kind domain.JobKind) string {
	return fmt.Sprintf("jobs.%s", kind)
}

// Lookup returns the declared Config for a kind. The caller is expected to
// have validated kind via domain.NewJobKind first; an unknown kind returns
// the zero Config and false.
func (t *Table) Lookup(kind domain.JobKind) (Config, bool) {
	cfg, ok := t.byKind[kind]
	return cfg, ok
}

// All returns a copy of every kind's Config, keyed by kind, for use by the
// Queue Topology Manager's reconciliation pass. Iteration order over the
// returned map is not defined.
func (t *Table) All() map[domain.JobKind]Config {
	out := make(map[domain.JobKind]Config, len(t.byKind))
	for k, v := range t.byKind {
		out[k] = v
	}
	return out
}
