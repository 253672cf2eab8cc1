package kconfig

import "fmt"

// DomainStrategy is the kernel's IP version preference for resolved names.
type DomainStrategy string

const (
	StrategyIPv4Only   DomainStrategy = "ipv4_only"
	StrategyPreferIPv6 DomainStrategy = "prefer_ipv6"
)

// StrategyFor maps the user-facing toggle to a strategy.
func StrategyFor(preferIPv6 bool) DomainStrategy {
	if preferIPv6 {
		return StrategyPreferIPv6
	}
	return StrategyIPv4Only
}

func (s DomainStrategy) opposite() DomainStrategy {
	if s == StrategyPreferIPv6 {
		return StrategyIPv4Only
	}
	return StrategyPreferIPv6
}

// strategyKeys are the field names that carry a domain strategy in the
// kernel schema (dns.strategy, dns.servers[].strategy,
// outbounds[].domain_strategy, ...).
var strategyKeys = map[string]bool{
	"strategy":        true,
	"domain_strategy": true,
}

// SetDomainStrategy sets dns.strategy to s and flips every other strategy
// field that currently holds the opposite managed value. Values outside the
// two managed literals, and the same literals under unrelated keys, are left
// alone. It returns the number of fields rewritten besides dns.strategy.
func SetDomainStrategy(doc *Document, s DomainStrategy) (int, error) {
	if s != StrategyIPv4Only && s != StrategyPreferIPv6 {
		return 0, fmt.Errorf("unsupported domain strategy %q", s)
	}
	if err := doc.Set(PathDNSStrategy, string(s)); err != nil {
		return 0, err
	}
	return rewriteStrategy(doc.root, string(s.opposite()), string(s)), nil
}

func rewriteStrategy(node any, from, to string) int {
	n := 0
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if str, ok := child.(string); ok && strategyKeys[key] && str == from {
				v[key] = to
				n++
				continue
			}
			n += rewriteStrategy(child, from, to)
		}
	case []any:
		for _, child := range v {
			n += rewriteStrategy(child, from, to)
		}
	}
	return n
}
