// Package dns provides the pluggable hostname resolution step consulted by the
// HTTP transport before every connection.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrNoAddresses is wrapped by a ResolutionError when a lookup succeeded but
// returned nothing usable.
var ErrNoAddresses = errors.New("no addresses")

// ResolutionError reports a failed lookup for Host.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver maps a hostname to an ordered, non-empty list of addresses.
// A failed lookup returns a *ResolutionError. Implementations must be safe
// for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, host string) ([]netip.Addr, error)

func (f Func) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// System resolves through the Go resolver and the system configuration.
type System struct {
	Resolver *net.Resolver
}

func (s System) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	if len(out) == 0 {
		return nil, &ResolutionError{Host: host, Err: ErrNoAddresses}
	}
	return out, nil
}

// Static answers from a fixed host table and defers every other name to
// Next. With a nil Next, unknown hosts fail.
type Static struct {
	hosts map[string][]netip.Addr
	Next  Resolver
}

// NewStatic copies hosts; names are matched case-insensitively.
func NewStatic(hosts map[string][]netip.Addr, next Resolver) *Static {
	m := make(map[string][]netip.Addr, len(hosts))
	for h, addrs := range hosts {
		if len(addrs) == 0 {
			continue
		}
		m[normalize(h)] = append([]netip.Addr(nil), addrs...)
	}
	return &Static{hosts: m, Next: next}
}

func (s *Static) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := s.hosts[normalize(host)]; ok {
		return append([]netip.Addr(nil), addrs...), nil
	}
	if s.Next == nil {
		return nil, &ResolutionError{Host: host, Err: ErrNoAddresses}
	}
	return s.Next.Resolve(ctx, host)
}

// PreferIPv4 moves IPv4 addresses ahead of IPv6 ones, keeping the relative
// order inside each family.
type PreferIPv4 struct {
	Next Resolver
}

func (p PreferIPv4) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := p.Next.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Is4() {
			out = append(out, a)
		}
	}
	for _, a := range addrs {
		if !a.Is4() {
			out = append(out, a)
		}
	}
	return out, nil
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}
