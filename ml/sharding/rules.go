// rules.go - Partitionsregeln
//
// Geordnete (Regex, Spec) Paare fuer die Parameter-Partitionierung.
// Die erste passende Regel gewinnt; die letzte Regel muss ein
// Catch-All ('.*') sein.
package sharding

import (
	"regexp"

	"github.com/pkg/errors"
)

// Rule pairs a parameter-path pattern with the spec to apply. Paths are
// slash-joined parameter names ("model/layers/0/self_attn/q_proj/kernel");
// the pattern is an unanchored RE2 regexp searched within the path.
type Rule struct {
	Pattern string
	Spec    Spec

	re *regexp.Regexp
}

// NewRule compiles a rule. Patterns are fixed per architecture, so a bad
// pattern is a programmer error.
func NewRule(pattern string, spec Spec) Rule {
	return Rule{Pattern: pattern, Spec: spec, re: regexp.MustCompile(pattern)}
}

// Rules is an ordered rule list applied first-match-wins.
type Rules []Rule

// Validate checks the list ends in the required catch-all rule.
func (rs Rules) Validate() error {
	if len(rs) == 0 {
		return errors.New("partition rules are empty")
	}
	if rs[len(rs)-1].Pattern != ".*" {
		return errors.Errorf("partition rules must end in a catch-all '.*' rule, got %q", rs[len(rs)-1].Pattern)
	}
	return nil
}

// Find returns the spec of the first rule matching path.
func (rs Rules) Find(path string) (Spec, error) {
	for _, r := range rs {
		re := r.re
		if re == nil {
			var err error
			re, err = regexp.Compile(r.Pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "compiling partition rule %q", r.Pattern)
			}
		}
		if re.MatchString(path) {
			return r.Spec, nil
		}
	}
	return nil, errors.Errorf("no partition rule matched %q", path)
}

// Plan resolves a spec for every parameter path. It is the surface the
// training-loop collaborator consumes to build its sharding plan.
func (rs Rules) Plan(paths []string) (map[string]Spec, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	plan := make(map[string]Spec, len(paths))
	for _, p := range paths {
		spec, err := rs.Find(p)
		if err != nil {
			return nil, err
		}
		plan[p] = spec
	}
	return plan, nil
}
