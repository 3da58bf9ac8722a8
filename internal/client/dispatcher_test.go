package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nimingban/internal/site"
	"nimingban/internal/transport"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

type performerFunc func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error)

func (f performerFunc) Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
	return f(ctx, method, url, header, body)
}

// outcome records every terminal callback of one request.
type outcome struct {
	successes atomic.Int32
	failures  atomic.Int32
	cancels   atomic.Int32
	done      chan struct{}
	result    any
	err       error
}

func newOutcome() *outcome { return &outcome{done: make(chan struct{}, 3)} }

func (o *outcome) callback() Callback {
	return Callback{
		OnSuccess: func(v any) { o.result = v; o.successes.Add(1); o.done <- struct{}{} },
		OnFailure: func(err error) { o.err = err; o.failures.Add(1); o.done <- struct{}{} },
		OnCancel:  func() { o.cancels.Add(1); o.done <- struct{}{} },
	}
}

func (o *outcome) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal callback")
	}
	// a second callback would show up here
	time.Sleep(20 * time.Millisecond)
	if n := o.successes.Load() + o.failures.Load() + o.cancels.Load(); n != 1 {
		t.Fatalf("%d terminal callbacks", n)
	}
}

func testSite(t *testing.T, base string) *site.Site {
	t.Helper()
	u, err := url.Parse(base)
	if err != nil {
		t.Fatal(err)
	}
	return site.New(u, u.ResolveReference(&url.URL{Path: "/Api/getCdnPath"}))
}

func TestFetchResourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload:" + r.URL.Path))
	}))
	defer srv.Close()

	d := New(transport.New(transport.Options{}))
	defer d.Close()
	o := newOutcome()
	d.Execute(&Request{Site: testSite(t, srv.URL), Method: FetchResource, Params: "/image/a.jpg", Callback: o.callback()})
	o.wait(t)

	if o.successes.Load() != 1 {
		t.Fatalf("failed: %v", o.err)
	}
	if string(o.result.([]byte)) != "payload:/image/a.jpg" {
		t.Fatalf("body %q", o.result)
	}
}

func TestNon2xxIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(transport.New(transport.Options{}))
	defer d.Close()
	o := newOutcome()
	d.Execute(&Request{Method: FetchResource, Params: srv.URL + "/x", Callback: o.callback()})
	o.wait(t)

	var trErr *TransportError
	if !errors.As(o.err, &trErr) || trErr.Status != http.StatusServiceUnavailable || !errors.Is(o.err, ErrStatus) {
		t.Fatalf("got %v", o.err)
	}
}

func TestGetCDNPathDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Api/getCdnPath" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"url":"https://image.example/","rate":0.8},{"url":"","rate":1}]`))
	}))
	defer srv.Close()

	d := New(transport.New(transport.Options{}))
	defer d.Close()
	o := newOutcome()
	d.Execute(&Request{Site: testSite(t, srv.URL), Method: GetCDNPath, Callback: o.callback()})
	o.wait(t)

	paths, ok := o.result.([]site.CDNPath)
	if !ok || len(paths) != 1 || paths[0].URL != "https://image.example/" || paths[0].Rate != 0.8 {
		t.Fatalf("got %#v (err %v)", o.result, o.err)
	}
}

func TestDecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	d := New(transport.New(transport.Options{}))
	defer d.Close()
	o := newOutcome()
	d.Execute(&Request{Site: testSite(t, srv.URL), Method: GetCDNPath, Callback: o.callback()})
	o.wait(t)

	var decErr *DecodeError
	if !errors.As(o.err, &decErr) || decErr.Method != "getCdnPath" {
		t.Fatalf("got %v", o.err)
	}
}

func TestInvalidParamsFail(t *testing.T) {
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		t.Error("performer must not be reached")
		return nil, errors.New("unreachable")
	}))
	defer d.Close()

	for _, params := range []any{42, "", "ftp://example.org/a", "/relative-without-site"} {
		o := newOutcome()
		d.Execute(&Request{Method: FetchResource, Params: params, Callback: o.callback()})
		o.wait(t)
		if !errors.Is(o.err, ErrInvalidParams) {
			t.Fatalf("params %v: got %v", params, o.err)
		}
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	var performed atomic.Int32
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		performed.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &transport.Response{Status: 200, Body: []byte("x")}, nil
	}), WithMaxConcurrent(1))
	defer d.Close()

	first, second := newOutcome(), newOutcome()
	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/1", Callback: first.callback()})
	time.Sleep(20 * time.Millisecond)
	req := &Request{Method: FetchResource, Params: "http://a.test/2", Callback: second.callback()}
	d.Execute(req)
	time.Sleep(20 * time.Millisecond)

	d.Cancel(req)
	second.wait(t)
	if second.cancels.Load() != 1 {
		t.Fatalf("queued request: %v", second.err)
	}

	close(release)
	first.wait(t)
	if first.successes.Load() != 1 {
		t.Fatalf("first request: %v", first.err)
	}
	time.Sleep(20 * time.Millisecond)
	if performed.Load() != 1 {
		t.Fatalf("cancelled request was performed")
	}
}

func TestCancelInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, errors.New("connection reset")
	}))
	defer d.Close()

	o := newOutcome()
	req := &Request{Method: FetchResource, Params: "http://a.test/", Callback: o.callback()}
	d.Execute(req)
	<-started
	d.Cancel(req)
	o.wait(t)

	if o.cancels.Load() != 1 {
		t.Fatalf("in-flight cancel reported %v", o.err)
	}
	d.Cancel(req)
	if d.Pending() != 0 {
		t.Fatalf("%d pending", d.Pending())
	}
}

func TestCloseCancelsPending(t *testing.T) {
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	outs := []*outcome{newOutcome(), newOutcome(), newOutcome()}
	for _, o := range outs {
		d.Execute(&Request{Method: FetchResource, Params: "http://a.test/", Callback: o.callback()})
	}
	d.Close()
	for _, o := range outs {
		o.wait(t)
		if o.cancels.Load() != 1 {
			t.Fatalf("got %v", o.err)
		}
	}

	late := newOutcome()
	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/", Callback: late.callback()})
	late.wait(t)
	if late.cancels.Load() != 1 {
		t.Fatal("request after close was not cancelled")
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		return &transport.Response{Status: 200, Body: []byte("x")}, nil
	}))
	defer d.Close()

	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/", Callback: Callback{
		OnSuccess: func(any) { panic("boom") },
	}})
	o := newOutcome()
	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/", Callback: o.callback()})
	o.wait(t)
	if o.successes.Load() != 1 {
		t.Fatalf("got %v", o.err)
	}
}

func TestResourceFetcherCancel(t *testing.T) {
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ResourceFetcher{Dispatcher: d}.Fetch(ctx, "http://a.test/img.png")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v", err)
	}
}

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue()
	var got []int
	for i := 0; i < 100; i++ {
		q.Post(func() { got = append(got, i) })
	}
	q.Close()
	if len(got) != 100 {
		t.Fatalf("ran %d callbacks", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestResourceFetcherUsesCDNMirror(t *testing.T) {
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mirror:" + r.URL.Path))
	}))
	defer mirror.Close()

	s := testSite(t, "http://127.0.0.1:1")
	s.SetCDNPaths([]site.CDNPath{{URL: mirror.URL + "/", Rate: 1}})
	d := New(transport.New(transport.Options{}))
	defer d.Close()

	b, err := ResourceFetcher{Dispatcher: d, Site: s}.Fetch(context.Background(), "/thumb/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "mirror:/thumb/a.jpg" {
		t.Fatalf("body %q", b)
	}
}

func TestDuplicateExecuteIsRefused(t *testing.T) {
	release := make(chan struct{})
	var performed atomic.Int32
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		performed.Add(1)
		<-release
		return &transport.Response{Status: 200, Body: []byte("x")}, nil
	}))
	defer d.Close()

	o := newOutcome()
	req := &Request{Method: FetchResource, Params: "http://a.test/", Callback: o.callback()}
	if !d.Execute(req) {
		t.Fatal("first execute refused")
	}
	if d.Execute(req) {
		t.Fatal("duplicate of a pending request accepted")
	}
	close(release)
	o.wait(t)

	if o.successes.Load() != 1 || performed.Load() != 1 {
		t.Fatalf("successes %d performed %d", o.successes.Load(), performed.Load())
	}
	// settled requests may run again
	if !d.Execute(req) {
		t.Fatal("settled request refused")
	}
	<-o.done
}

func TestPerRequestGoExecutor(t *testing.T) {
	d := New(performerFunc(func(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error) {
		return &transport.Response{Status: 200, Body: []byte("x")}, nil
	}))
	defer d.Close()

	block := make(chan struct{})
	defer close(block)
	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/1", Queue: Go, Callback: Callback{
		OnSuccess: func(any) { <-block },
	}})

	o := newOutcome()
	d.Execute(&Request{Method: FetchResource, Params: "http://a.test/2", Queue: Go, Callback: o.callback()})
	o.wait(t)
	if o.successes.Load() != 1 {
		t.Fatalf("got %v", o.err)
	}
}
