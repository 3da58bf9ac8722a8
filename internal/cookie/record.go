package cookie

import (
	"math"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Record is one persisted cookie. (Scope, Name, Path) is unique.
type Record struct {
	ID         int64
	Scope      string
	Name       string
	Value      string
	Path       string
	Domain     string
	Comment    string
	CommentURL string
	PortList   string
	MaxAge     int64 // seconds; negative means no expiry
	Secure     bool
	HTTPOnly   bool
	Discard    bool
	Version    int
	CreatedAt  time.Time
}

// Expired reports whether the max-age elapsed relative to the creation time.
func (r Record) Expired(now time.Time) bool {
	if r.MaxAge < 0 || r.MaxAge > maxAgeLimit {
		return false
	}
	return now.Sub(r.CreatedAt) >= time.Duration(r.MaxAge)*time.Second
}

// maxAgeLimit is the largest max-age representable as a time.Duration.
// Anything longer never expires in practice.
const maxAgeLimit = int64(math.MaxInt64 / int64(time.Second))

// hostOnly cookies carry no Domain attribute and match their scope host exactly.
func (r Record) hostOnly() bool { return r.Domain == "" }

func (r Record) matches(u *url.URL) bool {
	host := canonicalHost(u)
	if host == "" {
		return false
	}
	if r.hostOnly() || isIPHost(host) {
		if host != r.Scope {
			return false
		}
	} else if !domainMatch(host, strings.TrimPrefix(strings.ToLower(r.Domain), ".")) {
		return false
	}
	if !pathMatch(requestPath(u), r.Path) {
		return false
	}
	if r.Secure && !isSecure(u) {
		return false
	}
	return true
}

// HTTPCookie converts r to the form sent on the wire by the jar.
func (r Record) HTTPCookie() *http.Cookie {
	return &http.Cookie{
		Name:     r.Name,
		Value:    r.Value,
		Path:     r.Path,
		Domain:   r.Domain,
		Secure:   r.Secure,
		HttpOnly: r.HTTPOnly,
	}
}

// FromHTTP builds a Record from a Set-Cookie received for u. The second
// return value is false when the cookie asks to be deleted.
func FromHTTP(u *url.URL, c *http.Cookie, now time.Time) (Record, bool) {
	rec := Record{
		Name:      c.Name,
		Value:     c.Value,
		Path:      c.Path,
		Domain:    strings.TrimPrefix(strings.ToLower(c.Domain), "."),
		Secure:    c.Secure,
		HTTPOnly:  c.HttpOnly,
		MaxAge:    -1,
		Version:   0,
		CreatedAt: now,
	}
	if rec.Path == "" || rec.Path[0] != '/' {
		rec.Path = defaultPath(requestPath(u))
	}
	switch {
	case c.MaxAge < 0:
		return rec, false
	case c.MaxAge > 0:
		rec.MaxAge = min(int64(c.MaxAge), maxAgeLimit)
	case !c.Expires.IsZero():
		left := c.Expires.Sub(now)
		if left <= 0 {
			return rec, false
		}
		rec.MaxAge = int64(left / time.Second)
		if rec.MaxAge == 0 {
			rec.MaxAge = 1
		}
	}
	return rec, true
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// isIPHost reports whether host is an IP literal. Domain matching does not
// apply to those.
func isIPHost(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

func isSecure(u *url.URL) bool {
	return u.Scheme == "https" || u.Scheme == "wss"
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// domainMatch implements RFC 6265 section 5.1.3.
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, domain) && host[len(host)-len(domain)-1] == '.'
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath implements RFC 6265 section 5.1.4 default-path.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
