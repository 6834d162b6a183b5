// Package clair implements a Vulnerability Source backed by a Clair v1-style
// upstream API: paged vulnerability summaries per platform namespace, each
// followed by a detail fetch that supplies severity and fixed-in packages.
//
// See https://coreos.com/clair/docs/latest/api_v1.html for the upstream
// wire contract this client speaks an abbreviated version of.
package clair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

// defaultFetchLimit is used when Config.FetchLimit is unset.
const defaultFetchLimit = 128

// Config is the Clair source configuration, keyed "clair" in the server's
// source configuration map.
type Config struct {
	// BaseAddress is the Clair instance's base URL, e.g.
	// "http://127.0.0.1:6060".
	BaseAddress string

	// FetchLimit is the page size used for summary requests. Defaults to
	// 128 when zero.
	FetchLimit int

	// HTTPClient is the client used for upstream requests. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client

	// Limiter paces outbound requests to the upstream Clair instance.
	// Defaults to 10 requests/second, burst 10, when nil.
	Limiter *rate.Limiter
}

// Producer pulls vulnerability summaries page by page, then fetches and
// decodes one detail record per summary. Not safe for concurrent use.
type Producer struct {
	platform string
	base     string
	limit    int
	client   *http.Client
	limiter  *rate.Limiter

	queue       []string
	nextPage    string
	fetchedOnce bool
	hasNextPage bool
	exhausted   bool
}

// New constructs a Producer for platform against cfg.BaseAddress. Returns
// an error if BaseAddress is unset.
func New(platform string, cfg Config) (*Producer, error) {
	if cfg.BaseAddress == "" {
		return nil, errors.New("clair: baseAddress is required")
	}

	limit := cfg.FetchLimit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(10), 10)
	}

	return &Producer{
		platform: platform,
		base:     cfg.BaseAddress,
		limit:    limit,
		client:   client,
		limiter:  limiter,
	}, nil
}

// Next returns the next decoded vulnerability, fetching further summary
// pages and detail records as needed. Returns (zero, false) once the
// upstream reports no further pages and the current page's summaries are
// exhausted; keeps returning (zero, false) afterward.
func (p *Producer) Next(ctx context.Context) (vuln.Vulnerability, bool) {
	for {
		if p.exhausted {
			return vuln.Vulnerability{}, false
		}

		if len(p.queue) == 0 {
			if err := p.fillQueue(ctx); err != nil {
				p.exhausted = true
				return vuln.Vulnerability{}, false
			}
			if len(p.queue) == 0 {
				p.exhausted = true
				return vuln.Vulnerability{}, false
			}
		}

		name := p.queue[0]
		p.queue = p.queue[1:]

		v, ok, err := p.fetchDetail(ctx, name)
		if err != nil {
			// Upstream fetch error for this one record: skip it and try
			// the next summary.
			continue
		}
		if !ok {
			// Missing a required field: drop the record.
			continue
		}
		return v, true
	}
}

func (p *Producer) fillQueue(ctx context.Context) error {
	if p.fetchedOnce && !p.hasNextPage {
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	page := ""
	if p.fetchedOnce {
		page = p.nextPage
	}

	resp, err := p.getSummaries(ctx, page)
	if err != nil {
		return err
	}

	p.fetchedOnce = true
	p.hasNextPage = resp.NextPage != ""
	p.nextPage = resp.NextPage

	for _, s := range resp.Vulnerabilities {
		p.queue = append(p.queue, s.Name)
	}
	return nil
}

type summary struct {
	Name string `json:"Name"`
}

type summariesResponse struct {
	Vulnerabilities []summary `json:"Vulnerabilities"`
	NextPage        string    `json:"NextPage"`
}

func (p *Producer) getSummaries(ctx context.Context, page string) (summariesResponse, error) {
	u := summariesURL(p.base, p.platform, p.limit, page)

	var out summariesResponse
	if err := p.getJSON(ctx, u, &out); err != nil {
		return summariesResponse{}, err
	}
	return out, nil
}

func (p *Producer) fetchDetail(ctx context.Context, name string) (vuln.Vulnerability, bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return vuln.Vulnerability{}, false, err
	}

	u := detailURL(p.base, p.platform, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return vuln.Vulnerability{}, false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return vuln.Vulnerability{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return vuln.Vulnerability{}, false, fmt.Errorf("clair: detail fetch for %q: status %d", name, resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return vuln.Vulnerability{}, false, err
	}

	return decodeDetail(p.platform, raw)
}

func (p *Producer) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clair: request to %s: status %d", target, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func summariesURL(base, platform string, limit int, page string) string {
	u := fmt.Sprintf("%s/v1/namespaces/%s/vulnerabilities?limit=%d", base, url.PathEscape(platform), limit)
	if page != "" {
		u += "&page=" + url.QueryEscape(page)
	}
	return u
}

func detailURL(base, platform, name string) string {
	return fmt.Sprintf("%s/v1/namespaces/%s/vulnerabilities/%s?fixedIn", base, url.PathEscape(platform), url.PathEscape(name))
}

// requiredDetailFields are the keys a detail response must contain; missing
// any of them drops the record.
var requiredDetailFields = []string{"Name", "Link", "Severity", "FixedIn"}

func decodeDetail(platform string, raw map[string]json.RawMessage) (vuln.Vulnerability, bool, error) {
	for _, field := range requiredDetailFields {
		if _, ok := raw[field]; !ok {
			return vuln.Vulnerability{}, false, nil
		}
	}

	var name, link, severity string
	if err := json.Unmarshal(raw["Name"], &name); err != nil {
		return vuln.Vulnerability{}, false, err
	}
	if err := json.Unmarshal(raw["Link"], &link); err != nil {
		return vuln.Vulnerability{}, false, err
	}
	if err := json.Unmarshal(raw["Severity"], &severity); err != nil {
		return vuln.Vulnerability{}, false, err
	}

	var fixedInRaw []struct {
		Name    string `json:"Name"`
		Version string `json:"Version"`
	}
	if err := json.Unmarshal(raw["FixedIn"], &fixedInRaw); err != nil {
		return vuln.Vulnerability{}, false, err
	}

	fixedIn := make([]vuln.Package, 0, len(fixedInRaw))
	for _, f := range fixedInRaw {
		if f.Name == "" || f.Version == "" {
			continue
		}
		fixedIn = append(fixedIn, vuln.Package{Name: f.Name, Version: f.Version})
	}

	return vuln.Vulnerability{
		ID:       name,
		Platform: platform,
		Link:     link,
		Severity: severityFromClair(severity),
		FixedIn:  fixedIn,
	}, true, nil
}

var clairSeverities = map[string]vuln.Severity{
	"Unknown":    vuln.Unknown,
	"Negligible": vuln.Negligible,
	"Low":        vuln.Low,
	"Medium":     vuln.Medium,
	"High":       vuln.High,
	"Urgent":     vuln.Urgent,
	"Defcon":     vuln.Critical,
}

func severityFromClair(name string) vuln.Severity {
	if s, ok := clairSeverities[name]; ok {
		return s
	}
	return vuln.Unknown
}
