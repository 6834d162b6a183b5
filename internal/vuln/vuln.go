// Package vuln defines the vulnerability record served by patches-server and
// the severity scale used to rank it.
package vuln

import "encoding/json"

// Severity ranks a vulnerability's impact. The zero value is Unknown.
type Severity int

const (
	Unknown Severity = iota
	Negligible
	Low
	Medium
	High
	Urgent
	Critical
)

var severityNames = map[Severity]string{
	Unknown:    "unknown",
	Negligible: "negligible",
	Low:        "low",
	Medium:     "medium",
	High:       "high",
	Urgent:     "urgent",
	Critical:   "critical",
}

var severityFromName = map[string]Severity{
	"unknown":    Unknown,
	"negligible": Negligible,
	"low":        Low,
	"medium":     Medium,
	"high":       High,
	"urgent":     Urgent,
	"critical":   Critical,
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := severityFromName[name]; ok {
		*s = v
		return nil
	}
	*s = Unknown
	return nil
}

// Package identifies a package version that fixes a vulnerability.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Vulnerability is an immutable record describing one vulnerability
// affecting packages built for a specific platform. Identity is ID+Platform;
// two records naming the same vulnerability on the same platform are
// interchangeable even if other fields drift between fetches.
type Vulnerability struct {
	ID       string    `json:"id"`
	Platform string    `json:"platform"`
	Link     string    `json:"link"`
	Severity Severity  `json:"severity"`
	FixedIn  []Package `json:"fixedIn"`
}

// Equal reports whether two vulnerabilities share the same identity
// (ID+Platform).
func (v Vulnerability) Equal(other Vulnerability) bool {
	return v.ID == other.ID && v.Platform == other.Platform
}
