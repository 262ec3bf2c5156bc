package session

import (
	"net/http"
	"net/mail"
	"strings"
)

// Identity is what the upstream authenticator vouches for.
type Identity struct {
	Email string
}

// Provider extracts the authenticated identity from a request.
type Provider interface {
	Identify(r *http.Request) (Identity, error)
}

// HeaderProvider trusts a header set by an authenticating reverse proxy. The proxy must strip
// the header from client traffic.
type HeaderProvider struct {
	Header string
}

// NewHeaderProvider returns a provider reading header (default X-Auth-Email).
func NewHeaderProvider(header string) HeaderProvider {
	if strings.TrimSpace(header) == "" {
		header = DefaultConfig().Header
	}
	return HeaderProvider{Header: http.CanonicalHeaderKey(strings.TrimSpace(header))}
}

// Identify implements Provider.
func (p HeaderProvider) Identify(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrUnauthenticated
	}
	raw := strings.TrimSpace(r.Header.Get(p.Header))
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Email: strings.ToLower(addr.Address)}, nil
}
