package client

import (
	"context"

	"nimingban/internal/site"
)

// ResourceFetcher turns FetchResource requests into a blocking call. The
// object cache uses it to fill misses.
type ResourceFetcher struct {
	Dispatcher *Dispatcher
	Site       *site.Site
}

type fetchResult struct {
	body []byte
	err  error
}

// Fetch downloads key, which is an absolute URL or an image path served by
// one of Site's CDN mirrors. Cancelling ctx cancels the request.
func (f ResourceFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	target := key
	if f.Site != nil {
		target = f.Site.ImageURL(nil, key)
	}
	ch := make(chan fetchResult, 1)
	req := &Request{
		Site:   f.Site,
		Method: FetchResource,
		Params: ResourceParams{URL: target},
		Queue:  Direct,
		Callback: Callback{
			OnSuccess: func(v any) { ch <- fetchResult{body: v.([]byte)} },
			OnFailure: func(err error) { ch <- fetchResult{err: err} },
			OnCancel:  func() { ch <- fetchResult{err: ErrCancelled} },
		},
	}
	f.Dispatcher.Execute(req)

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		f.Dispatcher.Cancel(req)
		r := <-ch
		return r.body, r.err
	}
}
