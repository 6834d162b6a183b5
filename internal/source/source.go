// Package source selects and drives the Vulnerability Source for a given
// platform tag: a lazy, finite, per-platform producer of vulnerability
// records, chosen from a small registry of supported-platform factories.
package source

import (
	"context"

	"github.com/mozilla-services/patches-server/internal/source/clair"
	"github.com/mozilla-services/patches-server/internal/source/stub"
	"github.com/mozilla-services/patches-server/internal/vuln"
)

// Producer is a restartable-per-cohort, finite lazy sequence of
// vulnerability records. Next returns the next record, or false once the
// sequence is exhausted; once false is returned, subsequent calls must keep
// returning false. Implementations need not be safe for concurrent use —
// the orchestrator calls Next from under its single coordination lock.
type Producer interface {
	Next(ctx context.Context) (vuln.Vulnerability, bool)
}

// Configs is the enumerated set of source configurations, one field per
// supported source kind, named after the keys the "sources" config map
// recognizes ("clair", "testing").
type Configs struct {
	Clair   clair.Config
	Testing stub.Config
}

// factory constructs a Producer for platform from the configuration set.
// An error means the platform's backing source could not be constructed
// (e.g. missing required configuration); the caller treats this the same
// as an unsupported platform.
type factory func(platform string, configs Configs) (Producer, error)

var registry = map[string]factory{
	"ubuntu:18.04":     newClairProducer,
	"alpine:3.4":       newClairProducer,
	"debian:unstable":  newClairProducer,
	"__testing_stub__": newStubProducer,
}

func newClairProducer(platform string, configs Configs) (Producer, error) {
	return clair.New(platform, configs.Clair)
}

func newStubProducer(_ string, configs Configs) (Producer, error) {
	return stub.New(configs.Testing), nil
}

// IsSupported reports whether platform has a registered factory.
func IsSupported(platform string) bool {
	_, ok := registry[platform]
	return ok
}

// New constructs a Producer for platform. The second return value is false
// when the platform is unsupported or its factory fails to construct a
// producer (e.g. missing configuration) — both are treated identically by
// callers, as an immediately-exhausted source.
func New(platform string, configs Configs) (Producer, bool) {
	f, ok := registry[platform]
	if !ok {
		return nil, false
	}
	p, err := f(platform, configs)
	if err != nil {
		return nil, false
	}
	return p, true
}
