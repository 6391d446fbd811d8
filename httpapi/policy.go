package httpapi

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// Rule lists what one service may do. Aggregates supports "*" as a match-all
// entry.
type Rule struct {
	Aggregates []string `json:"aggregates"`
	Append     bool     `json:"append"`
	Replay     bool     `json:"replay"`
}

// Policy is the access table mapping service names to their rules. It is
// supplied by deployment configuration, not hardcoded: adding a service to
// the platform means editing the policy file, not this package.
type Policy struct {
	rules map[string]Rule
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy parses a JSON policy document of the form
// {"services": {"<name>": {"aggregates": [...], "append": true, "replay": false}}}.
func ParsePolicy(raw []byte) (*Policy, error) {
	var doc struct {
		Services map[string]Rule `json:"services"`
	}
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("policy grants access to no services")
	}
	return &Policy{rules: doc.Services}, nil
}

// AllowAll returns a policy that permits everything, for local runs.
func AllowAll() *Policy { return &Policy{} }

func (p *Policy) rule(service string) (Rule, bool) {
	if p.rules == nil {
		return Rule{Aggregates: []string{"*"}, Append: true, Replay: true}, true
	}
	r, ok := p.rules[service]
	return r, ok
}

// CanRead reports whether the service may read events of the aggregate type.
// An empty aggregate type (cross-aggregate queries) requires the match-all
// grant.
func (p *Policy) CanRead(service, aggregateType string) bool {
	r, ok := p.rule(service)
	if !ok {
		return false
	}
	for _, a := range r.Aggregates {
		if a == "*" || (aggregateType != "" && a == aggregateType) {
			return true
		}
	}
	return false
}

// CanReadAny reports whether the service holds a read grant for at least one
// aggregate type. Used where no concrete type exists yet, such as the version
// probe of a stream that has not been created.
func (p *Policy) CanReadAny(service string) bool {
	r, ok := p.rule(service)
	return ok && len(r.Aggregates) > 0
}

// CanAppend reports whether the service may append events of the aggregate
// type.
func (p *Policy) CanAppend(service, aggregateType string) bool {
	r, ok := p.rule(service)
	return ok && r.Append && p.CanRead(service, aggregateType)
}

// CanReplay reports whether the service may trigger replays.
func (p *Policy) CanReplay(service string) bool {
	r, ok := p.rule(service)
	return ok && r.Replay
}
