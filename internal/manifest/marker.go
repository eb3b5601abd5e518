package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MarkerEnv holds the values environment markers are evaluated against.
// Keys are PEP 508 marker variable names.
type MarkerEnv map[string]string

var linuxPlatform = regexp.MustCompile(`^(?:many|musl)?linux(?:\d+|_\d+_\d+)?_(.+)$`)

// MarkerEnvFor describes a CPython interpreter of pythonVersion running on
// the pip platform tag platform ("linux_x86_64", "macosx_11_0_arm64",
// "win_amd64"). An empty or unrecognized tag is treated as linux_x86_64.
func MarkerEnvFor(pythonVersion, platform string) MarkerEnv {
	short := pythonVersion
	if parts := strings.SplitN(pythonVersion, ".", 3); len(parts) >= 2 {
		short = parts[0] + "." + parts[1]
	}

	env := MarkerEnv{
		"python_version":                 short,
		"python_full_version":            pythonVersion,
		"implementation_name":            "cpython",
		"implementation_version":         pythonVersion,
		"platform_python_implementation": "CPython",
		"platform_release":               "",
		"platform_version":               "",
		"extra":                          "",
		"os_name":                        "posix",
		"sys_platform":                   "linux",
		"platform_system":                "Linux",
		"platform_machine":               "x86_64",
	}

	switch {
	case strings.HasPrefix(platform, "win"):
		env["os_name"] = "nt"
		env["sys_platform"] = "win32"
		env["platform_system"] = "Windows"
		switch platform {
		case "win32":
			env["platform_machine"] = "x86"
		case "win_arm64":
			env["platform_machine"] = "ARM64"
		default:
			env["platform_machine"] = "AMD64"
		}
	case strings.HasPrefix(platform, "macosx_"):
		env["sys_platform"] = "darwin"
		env["platform_system"] = "Darwin"
		// macosx_<major>_<minor>_<arch>
		if parts := strings.SplitN(platform, "_", 4); len(parts) == 4 {
			env["platform_machine"] = parts[3]
		}
	default:
		if m := linuxPlatform.FindStringSubmatch(platform); m != nil {
			env["platform_machine"] = m[1]
		}
	}
	return env
}

// Applies reports whether the requirement's marker holds in env. A
// requirement without a marker always applies.
func (r Requirement) Applies(env MarkerEnv) (bool, error) {
	if strings.TrimSpace(r.Marker) == "" {
		return true, nil
	}
	return EvalMarker(r.Marker, env)
}

// EvalMarker evaluates a PEP 508 environment marker such as
// `python_version < "3.8" and sys_platform == "win32"`.
func EvalMarker(marker string, env MarkerEnv) (bool, error) {
	toks, err := tokenizeMarker(marker)
	if err != nil {
		return false, err
	}
	p := &markerParser{toks: toks, env: env}
	ok, err := p.or()
	if err != nil {
		return false, fmt.Errorf("marker %q: %w", marker, err)
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("marker %q: unexpected %q", marker, p.toks[p.pos].text)
	}
	return ok, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

var markerOps = []string{"===", "==", "!=", "<=", ">=", "~=", "<", ">"}

func tokenizeMarker(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(s[i+1:], c)
			if end == -1 {
				return nil, fmt.Errorf("marker %q: unterminated string", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case strings.ContainsRune("=!<>~", rune(c)):
			op := ""
			for _, candidate := range markerOps {
				if strings.HasPrefix(s[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("marker %q: bad operator at %d", s, i)
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		case isIdentByte(c):
			start := i
			for i < len(s) && isIdentByte(s[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, s[start:i]})
		default:
			return nil, fmt.Errorf("marker %q: unexpected character %q", s, c)
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

type markerParser struct {
	toks []token
	pos  int
	env  MarkerEnv
}

func (p *markerParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *markerParser) keyword(word string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *markerParser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *markerParser) and() (bool, error) {
	left, err := p.expr()
	if err != nil {
		return false, err
	}
	for p.keyword("and") {
		right, err := p.expr()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *markerParser) expr() (bool, error) {
	t, ok := p.peek()
	if !ok {
		return false, fmt.Errorf("unexpected end")
	}
	if t.kind == tokLParen {
		p.pos++
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return false, fmt.Errorf("missing )")
		}
		p.pos++
		return v, nil
	}

	lhsName, lhs, err := p.value()
	if err != nil {
		return false, err
	}
	op, err := p.operator()
	if err != nil {
		return false, err
	}
	_, rhs, err := p.value()
	if err != nil {
		return false, err
	}
	return compareMarker(lhsName, lhs, op, rhs), nil
}

// value returns a variable name (empty for literals) and its value.
func (p *markerParser) value() (string, string, error) {
	t, ok := p.peek()
	if !ok {
		return "", "", fmt.Errorf("unexpected end")
	}
	p.pos++
	switch t.kind {
	case tokString:
		return "", t.text, nil
	case tokIdent:
		v, known := p.env[t.text]
		if !known {
			return "", "", fmt.Errorf("unknown variable %s", t.text)
		}
		return t.text, v, nil
	}
	return "", "", fmt.Errorf("unexpected %q", t.text)
}

func (p *markerParser) operator() (string, error) {
	if p.keyword("in") {
		return "in", nil
	}
	if p.keyword("not") {
		if !p.keyword("in") {
			return "", fmt.Errorf("expected in after not")
		}
		return "not in", nil
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return "", fmt.Errorf("expected operator")
	}
	p.pos++
	return t.text, nil
}

// compareMarker uses version rules when both sides parse as versions and
// falls back to string comparison otherwise. "extra" is compared by
// canonical name.
func compareMarker(lhsName, lhs, op, rhs string) bool {
	switch op {
	case "in":
		return strings.Contains(rhs, lhs)
	case "not in":
		return !strings.Contains(rhs, lhs)
	}

	if lhsName == "extra" {
		lhs, rhs = Canonicalize(lhs), Canonicalize(rhs)
	} else if op != "===" {
		if ok, handled := compareVersions(lhs, op, rhs); handled {
			return ok
		}
	}

	switch op {
	case "==", "===":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	case "<":
		return lhs < rhs
	case "<=":
		return lhs <= rhs
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	}
	return false
}

func compareVersions(lhs, op, rhs string) (bool, bool) {
	v, err := semver.NewVersion(lhs)
	if err != nil {
		return false, false
	}
	if _, err := semver.NewVersion(strings.TrimSuffix(rhs, ".*")); err != nil {
		return false, false
	}
	c, err := semver.NewConstraint(NormalizeSpecifier(op + rhs))
	if err != nil {
		return false, false
	}
	return c.Check(v), true
}
