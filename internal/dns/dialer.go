package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

// DialContextFunc matches net.Dialer.DialContext and http.Transport.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer returns a dial function that resolves the host part of addr with r
// and tries the answers in order. Literal IP addresses bypass r.
func Dialer(r Resolver, d *net.Dialer) DialContextFunc {
	if d == nil {
		d = &net.Dialer{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip, err := netip.ParseAddr(host); err == nil {
			return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		}

		addrs, err := r.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &ResolutionError{Host: host, Err: ErrNoAddresses}
		}

		var errs []error
		for _, ip := range addrs {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, errors.Join(errs...)
	}
}

// Options select the resolution policy built by Chain.
type Options struct {
	Hosts      map[string][]netip.Addr
	TTL        time.Duration
	PreferIPv4 bool
}

// Chain builds the default policy: static hosts, then a TTL cache over the
// system resolver, optionally reordered to prefer IPv4.
func Chain(base Resolver, opts Options) Resolver {
	if base == nil {
		base = System{}
	}
	r := base
	if opts.TTL > 0 {
		r = NewCached(r, opts.TTL)
	}
	if opts.PreferIPv4 {
		r = PreferIPv4{Next: r}
	}
	if len(opts.Hosts) > 0 {
		r = NewStatic(opts.Hosts, r)
	}
	return r
}
