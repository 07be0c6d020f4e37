package services

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/JeanGrijp/tiered-limiter/internal/core/domain"
)

// SourceRemoteAddr selects the raw socket address instead of a header.
const SourceRemoteAddr = "remote_addr"

// DefaultIdentitySources mirrors the usual proxy chain: forwarded header first,
// then X-Real-IP, then the direct connection.
var DefaultIdentitySources = []string{"X-Forwarded-For", "X-Real-IP", SourceRemoteAddr}

// ForwardedIdentityExtractor resolves a client key from the first candidate source
// that yields a non-empty value.
type ForwardedIdentityExtractor struct {
	sources []string
}

func NewForwardedIdentityExtractor(sources []string) (*ForwardedIdentityExtractor, error) {
	if len(sources) == 0 {
		sources = DefaultIdentitySources
	}
	cleaned := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.EqualFold(s, SourceRemoteAddr) {
			cleaned = append(cleaned, SourceRemoteAddr)
			continue
		}
		cleaned = append(cleaned, http.CanonicalHeaderKey(s))
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one identity source is required")
	}
	return &ForwardedIdentityExtractor{sources: cleaned}, nil
}

func (e *ForwardedIdentityExtractor) Extract(meta domain.RequestMetadata) (domain.ClientKey, error) {
	for _, source := range e.sources {
		var candidate string
		if source == SourceRemoteAddr {
			candidate = meta.RemoteAddr
		} else if meta.Header != nil {
			candidate = firstInChain(meta.Header.Values(source))
		}

		if key := normalizeAddr(candidate); key != "" {
			return domain.ClientKey(key), nil
		}
	}
	return "", domain.ErrIdentityUnresolved
}

// firstInChain returns the first non-empty hop of a forwarded chain. Proxies may
// repeat the header or join hops with commas; both are handled.
func firstInChain(values []string) string {
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				return hop
			}
		}
	}
	return ""
}

func normalizeAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	return strings.ToLower(strings.TrimSpace(raw))
}
