package dns

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	v4 = netip.MustParseAddr("192.0.2.1")
	v6 = netip.MustParseAddr("2001:db8::1")
)

func TestStaticOverridesNext(t *testing.T) {
	var nextCalls atomic.Int32
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		nextCalls.Add(1)
		return []netip.Addr{v6}, nil
	})
	r := NewStatic(map[string][]netip.Addr{"Img.Example.ORG.": {v4}}, next)

	got, err := r.Resolve(context.Background(), "img.example.org")
	if err != nil || len(got) != 1 || got[0] != v4 {
		t.Fatalf("static answer %v %v", got, err)
	}
	if nextCalls.Load() != 0 {
		t.Fatal("static host reached next resolver")
	}
	got, err = r.Resolve(context.Background(), "other.example.org")
	if err != nil || len(got) != 1 || got[0] != v6 {
		t.Fatalf("delegated answer %v %v", got, err)
	}
}

func TestStaticWithoutNextFails(t *testing.T) {
	r := NewStatic(nil, nil)
	_, err := r.Resolve(context.Background(), "unknown.example")
	var resErr *ResolutionError
	if !errors.As(err, &resErr) || !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("got %v", err)
	}
}

func TestPreferIPv4Reorders(t *testing.T) {
	v4b := netip.MustParseAddr("192.0.2.2")
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{v6, v4, v4b}, nil
	})
	got, err := PreferIPv4{Next: next}.Resolve(context.Background(), "h")
	if err != nil {
		t.Fatal(err)
	}
	want := []netip.Addr{v4, v4b, v6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCachedHonoursTTL(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		return []netip.Addr{v4}, nil
	})
	c := NewCached(next, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(context.Background(), "h.example"); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("%d lookups within ttl", calls.Load())
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Resolve(context.Background(), "h.example"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("%d lookups after ttl", calls.Load())
	}
	c.Forget("H.example")
	if _, err := c.Resolve(context.Background(), "h.example"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("%d lookups after forget", calls.Load())
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		return nil, &ResolutionError{Host: host, Err: ErrNoAddresses}
	})
	c := NewCached(next, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(context.Background(), "h"); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("%d lookups", calls.Load())
	}
}

func TestCachedCoalescesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		<-release
		return []netip.Addr{v4}, nil
	})
	c := NewCached(next, time.Minute)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), "h")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("%d lookups for concurrent callers", calls.Load())
	}
}

func TestCachedCallerCancelDoesNotAbortLookup(t *testing.T) {
	release := make(chan struct{})
	next := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return []netip.Addr{v4}, nil
	})
	c := NewCached(next, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "h")
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := c.Resolve(context.Background(), "h")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("other caller got %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	base := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{v6, v4}, nil
	})
	override := netip.MustParseAddr("198.51.100.7")
	r := Chain(base, Options{
		Hosts:      map[string][]netip.Addr{"pinned.example": {override}},
		TTL:        time.Minute,
		PreferIPv4: true,
	})

	got, err := r.Resolve(context.Background(), "pinned.example")
	if err != nil || len(got) != 1 || got[0] != override {
		t.Fatalf("pinned host %v %v", got, err)
	}
	got, err = r.Resolve(context.Background(), "free.example")
	if err != nil || len(got) != 2 || got[0] != v4 {
		t.Fatalf("system host %v %v", got, err)
	}
}

func TestDialerUsesResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	var asked string
	r := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		asked = host
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	})
	conn, err := Dialer(r, nil)(context.Background(), "tcp", net.JoinHostPort("board.test", port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if asked != "board.test" {
		t.Fatalf("resolver asked for %q", asked)
	}
}

func TestDialerReportsResolutionError(t *testing.T) {
	r := Func(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, &ResolutionError{Host: host, Err: errors.New("nxdomain")}
	})
	_, err := Dialer(r, nil)(context.Background(), "tcp", "nowhere.test:80")
	var resErr *ResolutionError
	if !errors.As(err, &resErr) || resErr.Host != "nowhere.test" {
		t.Fatalf("got %v", err)
	}
}
