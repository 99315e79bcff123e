package rules

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"krauler/pkg/utils"
)

// Spec is the YAML form of a predicate tree.
// Leaf fields set on the same node are ANDed together.
// An empty Spec matches everything.
type Spec struct {
	Domain   string `yaml:"domain,omitempty"`    // Exact host match (case-insensitive, port ignored)
	SameSite bool   `yaml:"same_site,omitempty"` // Registrable domain (eTLD+1) equals that of a seed
	Pattern  string `yaml:"pattern,omitempty"`   // Regexp matched against the normalized URL
	MimeType string `yaml:"mime_type,omitempty"` // Substring of the MIME type; ignored while the MIME type is unknown
	And      []Spec `yaml:"and,omitempty"`
	Or       []Spec `yaml:"or,omitempty"`
	Not      *Spec  `yaml:"not,omitempty"`
}

// IsZero reports whether the spec carries no conditions.
func (s Spec) IsZero() bool {
	return s.Domain == "" && !s.SameSite && s.Pattern == "" && s.MimeType == "" &&
		len(s.And) == 0 && len(s.Or) == 0 && s.Not == nil
}

func (s Spec) usesMimeType() bool {
	if s.MimeType != "" {
		return true
	}
	if s.Not != nil && s.Not.usesMimeType() {
		return true
	}
	for _, sub := range append(append([]Spec{}, s.And...), s.Or...) {
		if sub.usesMimeType() {
			return true
		}
	}
	return false
}

// Target is what a Rule is evaluated against.
// MimeType is empty for admission checks made before a fetch.
type Target struct {
	URL      *url.URL
	MimeType string
}

// Rule is a compiled predicate.
type Rule interface {
	Match(t Target) bool
}

// RuleFunc adapts a plain function to Rule.
type RuleFunc func(t Target) bool

func (f RuleFunc) Match(t Target) bool { return f(t) }

// Always matches every target.
var Always Rule = RuleFunc(func(Target) bool { return true })

// MatchURL evaluates r against a URL string with no MIME type.
// Unparseable URLs never match.
func MatchURL(r Rule, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.Match(Target{URL: u})
}

// Compile turns spec into a Rule. Seeds provide the sites for same_site.
func Compile(spec Spec, seeds []string) (Rule, error) {
	sites := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("%w: seed '%s' has no host", utils.ErrConfigValidation, s)
		}
		sites[registrableDomain(u.Hostname())] = struct{}{}
	}
	return compile(spec, sites)
}

func compile(spec Spec, sites map[string]struct{}) (Rule, error) {
	var parts []Rule

	if spec.Domain != "" {
		domain := strings.ToLower(spec.Domain)
		parts = append(parts, RuleFunc(func(t Target) bool {
			return t.URL != nil && strings.ToLower(t.URL.Hostname()) == domain
		}))
	}

	if spec.SameSite {
		parts = append(parts, RuleFunc(func(t Target) bool {
			if t.URL == nil {
				return false
			}
			_, ok := sites[registrableDomain(t.URL.Hostname())]
			return ok
		}))
	}

	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pattern '%s': %w", utils.ErrConfigValidation, spec.Pattern, err)
		}
		parts = append(parts, RuleFunc(func(t Target) bool {
			return t.URL != nil && re.MatchString(t.URL.String())
		}))
	}

	if spec.MimeType != "" {
		want := strings.ToLower(spec.MimeType)
		parts = append(parts, RuleFunc(func(t Target) bool {
			// Unknown before fetch: let admission pass and decide at retention
			return t.MimeType == "" || strings.Contains(t.MimeType, want)
		}))
	}

	if len(spec.And) > 0 {
		subs, err := compileAll(spec.And, sites)
		if err != nil {
			return nil, err
		}
		parts = append(parts, all(subs))
	}

	if len(spec.Or) > 0 {
		subs, err := compileAll(spec.Or, sites)
		if err != nil {
			return nil, err
		}
		parts = append(parts, RuleFunc(func(t Target) bool {
			for _, r := range subs {
				if r.Match(t) {
					return true
				}
			}
			return false
		}))
	}

	if spec.Not != nil {
		inner, err := compile(*spec.Not, sites)
		if err != nil {
			return nil, err
		}
		mimeBound := spec.Not.usesMimeType()
		parts = append(parts, RuleFunc(func(t Target) bool {
			// A MIME condition cannot be negated before the type is known
			if mimeBound && t.MimeType == "" {
				return true
			}
			return !inner.Match(t)
		}))
	}

	switch len(parts) {
	case 0:
		return Always, nil
	case 1:
		return parts[0], nil
	default:
		return all(parts), nil
	}
}

func compileAll(specs []Spec, sites map[string]struct{}) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := compile(s, sites)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func all(rules []Rule) Rule {
	return RuleFunc(func(t Target) bool {
		for _, r := range rules {
			if !r.Match(t) {
				return false
			}
		}
		return true
	})
}

// registrableDomain returns the eTLD+1 of host, or the host itself for
// IPs, localhost and other names without a public suffix match.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}
