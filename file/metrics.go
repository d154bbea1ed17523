package file

import (
	"github.com/uber-go/tally"
)

// trackerMetrics groups the tally instruments a Tracker reports to.
type trackerMetrics struct {
	scope       tally.Scope
	passthrough tally.Counter
	seeks       tally.Counter
	active      tally.Gauge
}

func newTrackerMetrics(scope tally.Scope) *trackerMetrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("file_transfer")

	return &trackerMetrics{
		scope:       scope,
		passthrough: scope.Counter("passthrough"),
		seeks:       scope.Counter("seeks"),
		active:      scope.Gauge("active_transfers"),
	}
}

func (m *trackerMetrics) chunk(direction TransferDirection, n int) {
	s := m.scope.Tagged(map[string]string{"direction": direction.String()})
	s.Counter("chunks").Inc(1)
	s.Counter("bytes").Inc(int64(n))
}

func (m *trackerMetrics) outcome(direction TransferDirection, outcome Outcome) {
	m.scope.Tagged(map[string]string{
		"direction": direction.String(),
		"outcome":   outcome.String(),
	}).Counter("outcomes").Inc(1)
}
