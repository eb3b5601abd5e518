package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// NormalizeSpecifier converts a version specifier into a semver constraint
// string. Only the subset that maps cleanly is supported: comparison
// operators, "==" with wildcards, and the compatible-release operator.
func NormalizeSpecifier(spec string) string {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "(")
	spec = strings.TrimSuffix(spec, ")")

	clauses := strings.Split(spec, ",")
	out := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		switch {
		case strings.HasPrefix(clause, "==="):
			clause = "=" + strings.TrimSpace(clause[3:])
		case strings.HasPrefix(clause, "=="):
			clause = "=" + strings.TrimSpace(clause[2:])
		case strings.HasPrefix(clause, "~="):
			clause = compatibleRelease(strings.TrimSpace(clause[2:]))
		}
		out = append(out, clause)
	}
	return strings.Join(out, ", ")
}

// compatibleRelease expands "~=V" into explicit bounds: V itself up to the
// next release of V's second-to-last component. "~=0.5" is ">=0.5, <1" and
// "~=1.4.5" is ">=1.4.5, <1.5".
func compatibleRelease(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return ">=" + v
	}
	prefix := parts[:len(parts)-1]
	last, err := strconv.Atoi(prefix[len(prefix)-1])
	if err != nil {
		return ">=" + v
	}
	upper := append(append([]string(nil), prefix[:len(prefix)-1]...), strconv.Itoa(last+1))
	return ">=" + v + ", <" + strings.Join(upper, ".")
}

// SatisfiedBy reports whether version meets the requirement's specifier.
// An empty specifier, or a direct URL reference, is always satisfied.
func (r Requirement) SatisfiedBy(version string) (bool, error) {
	spec := strings.TrimSpace(r.Specifier)
	if spec == "" || strings.HasPrefix(spec, "@") {
		return true, nil
	}

	c, err := semver.NewConstraint(NormalizeSpecifier(spec))
	if err != nil {
		return false, fmt.Errorf("unsupported specifier %q for %s: %w", spec, r.Name, err)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("unsupported version %q for %s: %w", version, r.Name, err)
	}

	return c.Check(v), nil
}
