package proxy

import (
	"regexp"
	"strings"
	"sync"
)

// defaultNonProxyHosts are always exempt from proxying.
const defaultNonProxyHosts = "localhost|127.*|[::1]|0.0.0.0|[::0]"

// nonProxyRule holds the compiled pattern pool for one non-proxy property.
// The pool is rebuilt only when the raw property value changes.
type nonProxyRule struct {
	key string

	mu       sync.Mutex
	raw      string
	built    bool
	patterns []*regexp.Regexp
}

func newNonProxyRule(key string) *nonProxyRule {
	return &nonProxyRule{key: key}
}

// match reports whether host is exempt under the property value raw.
func (r *nonProxyRule) match(raw, host string) bool {
	r.mu.Lock()
	if !r.built || raw != r.raw {
		r.patterns = compilePatterns(raw)
		r.raw = raw
		r.built = true
	}
	patterns := r.patterns
	r.mu.Unlock()

	host = strings.ToLower(host)
	candidates := []string{host}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		candidates = append(candidates, "["+host+"]")
	}

	for _, re := range patterns {
		for _, c := range candidates {
			if re.MatchString(c) {
				return true
			}
		}
	}
	return false
}

// compilePatterns splits a "|" separated list of host globs, lower-cases it
// and appends the default patterns.
func compilePatterns(raw string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, list := range []string{raw, defaultNonProxyHosts} {
		for _, p := range strings.Split(list, "|") {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(p), `\*`, ".*") + "$"
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			out = append(out, re)
		}
	}
	return out
}
