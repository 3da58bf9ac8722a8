package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nimingban/internal/site"
	"nimingban/internal/transport"
)

// Call is the HTTP exchange a Method builds for one request.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Method maps request parameters to an HTTP call and the response to a
// typed result.
type Method interface {
	Name() string
	Build(ctx context.Context, s *site.Site, params any) (*Call, error)
	Decode(resp *transport.Response) (any, error)
}

// ResourceParams are the parameters of FetchResource.
type ResourceParams struct {
	URL    string
	Header http.Header
}

var (
	// FetchResource downloads a URL and yields its body as []byte.
	FetchResource Method = fetchResource{}
	// GetCDNPath fetches the image mirror list and yields []site.CDNPath.
	GetCDNPath Method = getCDNPath{}
)

type fetchResource struct{}

func (fetchResource) Name() string { return "fetchResource" }

func (fetchResource) Build(_ context.Context, s *site.Site, params any) (*Call, error) {
	var p ResourceParams
	switch v := params.(type) {
	case ResourceParams:
		p = v
	case *ResourceParams:
		if v == nil {
			return nil, fmt.Errorf("%w: nil resource params", ErrInvalidParams)
		}
		p = *v
	case string:
		p.URL = v
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidParams, params)
	}
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidParams)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !u.IsAbs() {
		if s == nil {
			return nil, fmt.Errorf("%w: relative url %q without site", ErrInvalidParams, raw)
		}
		u = s.URL().ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidParams, u.Scheme)
	}
	return &Call{Method: http.MethodGet, URL: u.String(), Header: p.Header}, nil
}

func (fetchResource) Decode(resp *transport.Response) (any, error) {
	if len(resp.Body) == 0 {
		return nil, ErrEmptyPayload
	}
	return resp.Body, nil
}

type getCDNPath struct{}

func (getCDNPath) Name() string { return "getCdnPath" }

func (getCDNPath) Build(_ context.Context, s *site.Site, _ any) (*Call, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: site required", ErrInvalidParams)
	}
	h := http.Header{}
	h.Set("Accept", "application/json")
	return &Call{Method: http.MethodGet, URL: s.CDNPathURL().String(), Header: h}, nil
}

func (getCDNPath) Decode(resp *transport.Response) (any, error) {
	if len(resp.Body) == 0 {
		return nil, ErrEmptyPayload
	}
	var paths []site.CDNPath
	if err := json.Unmarshal(resp.Body, &paths); err != nil {
		return nil, err
	}
	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p.URL) != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no cdn path in response")
	}
	return out, nil
}
