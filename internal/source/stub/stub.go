// Package stub provides the testing-stub Vulnerability Source: a
// deterministic, fixed-record producer used for integration tests against
// the "__testing_stub__" platform tag.
package stub

import (
	"context"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

// Config is the testing-stub source configuration, keyed "testing" in
// the server's source configuration map.
type Config struct {
	// Vulns is the number of times the fixed record is produced before
	// the source reports exhaustion.
	Vulns int
}

// Producer emits a single fixed vulnerability record Vulns times.
type Producer struct {
	remaining int
	record    vuln.Vulnerability
}

// New returns a Producer configured per cfg.
func New(cfg Config) *Producer {
	return &Producer{
		remaining: cfg.Vulns,
		record: vuln.Vulnerability{
			ID:       "testvuln",
			Platform: "__testing_stub__",
			Severity: vuln.Low,
			FixedIn: []vuln.Package{
				{Name: "testpackage", Version: "1.2.3"},
			},
		},
	}
}

// Next returns the fixed record until Vulns records have been served, then
// reports exhaustion on every subsequent call.
func (p *Producer) Next(_ context.Context) (vuln.Vulnerability, bool) {
	if p.remaining <= 0 {
		return vuln.Vulnerability{}, false
	}
	p.remaining--
	return p.record, true
}
