// Package cookie persists HTTP cookies in SQLite and serves them back to the
// HTTP layer through the http.CookieJar interface.
package cookie

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrNoHost         = errors.New("cookie: url has no host")
	ErrNoName         = errors.New("cookie: empty name")
	ErrDomainMismatch = errors.New("cookie: domain does not match host")
	ErrClosed         = errors.New("cookie: store closed")
)

const schema = `CREATE TABLE IF NOT EXISTS cookies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	scope       TEXT NOT NULL,
	name        TEXT NOT NULL,
	value       TEXT NOT NULL,
	path        TEXT NOT NULL,
	domain      TEXT NOT NULL,
	comment     TEXT NOT NULL,
	comment_url TEXT NOT NULL,
	port_list   TEXT NOT NULL,
	max_age     INTEGER NOT NULL,
	secure      INTEGER NOT NULL,
	http_only   INTEGER NOT NULL,
	discard     INTEGER NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (scope, name, path)
)`

type recordKey struct {
	name string
	path string
}

// Store is a durable cookie table. Every mutation is committed to SQLite
// before the call returns. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	scopes map[string]map[recordKey]Record

	now func() time.Time
	log zerolog.Logger
	bad zerolog.Logger
}

// Open opens (or creates) the cookie database at path. An empty path opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open cookie db: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cookie db: %w", err)
	}
	// one connection keeps pragmas in effect and serialises writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cookie db: %w", err)
		}
	}

	l := log.With().Str("component", "cookie").Logger()
	s := &Store{
		db:     db,
		scopes: map[string]map[recordKey]Record{},
		now:    time.Now,
		log:    l,
		bad:    l.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Minute}),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, scope, name, value, path, domain, comment,
		comment_url, port_list, max_age, secure, http_only, discard, version, created_at
		FROM cookies`)
	if err != nil {
		return fmt.Errorf("load cookies: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var expired []int64
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Scope, &r.Name, &r.Value, &r.Path, &r.Domain,
			&r.Comment, &r.CommentURL, &r.PortList, &r.MaxAge, &r.Secure, &r.HTTPOnly,
			&r.Discard, &r.Version, &created); err != nil {
			return fmt.Errorf("scan cookie: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		if r.Expired(now) {
			expired = append(expired, r.ID)
			continue
		}
		s.put(r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load cookies: %w", err)
	}
	rows.Close()

	for _, id := range expired {
		if _, err := s.db.Exec("DELETE FROM cookies WHERE id = ?", id); err != nil {
			s.bad.Warn().Err(err).Int64("id", id).Msg("Could not purge expired cookie")
		}
	}
	s.log.Debug().Int("loaded", s.countLocked()).Int("purged", len(expired)).Msg("Cookie store opened")
	return nil
}

// Close closes the database. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Add stores rec for the scope derived from u, replacing any cookie with the
// same scope, name and path. An already expired record removes the existing
// one instead.
func (s *Store) Add(u *url.URL, rec Record) error {
	if rec.Name == "" {
		return ErrNoName
	}
	scope, domain, err := scopeFor(u, rec.Domain)
	if err != nil {
		return err
	}
	rec.Scope = scope
	rec.Domain = domain
	if rec.Path == "" || rec.Path[0] != '/' {
		rec.Path = defaultPath(requestPath(u))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Expired(s.now()) {
		return s.deleteLocked(rec.Scope, rec.Name, rec.Path)
	}

	res, err := s.db.Exec(`INSERT OR REPLACE INTO cookies
		(scope, name, value, path, domain, comment, comment_url, port_list,
		 max_age, secure, http_only, discard, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Scope, rec.Name, rec.Value, rec.Path, rec.Domain, rec.Comment,
		rec.CommentURL, rec.PortList, rec.MaxAge, rec.Secure, rec.HTTPOnly,
		rec.Discard, rec.Version, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store cookie %s: %w", rec.Name, err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("store cookie %s: %w", rec.Name, err)
	}
	// Millisecond precision is what survives a restart.
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli())
	s.put(rec)
	return nil
}

// Remove deletes the cookie with rec's name and path in the scope derived
// from u. Removing an absent cookie is not an error.
func (s *Store) Remove(u *url.URL, rec Record) error {
	host := canonicalHost(u)
	if host == "" {
		return ErrNoHost
	}
	scope := host
	if d := strings.TrimPrefix(strings.ToLower(rec.Domain), "."); d != "" && !isIPHost(host) {
		scope = d
	}
	path := rec.Path
	if path == "" || path[0] != '/' {
		path = defaultPath(requestPath(u))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.deleteLocked(scope, rec.Name, path)
}

// Get returns the highest precedence unexpired cookie named name that
// applies to u.
func (s *Store) Get(u *url.URL, name string) (Record, bool) {
	for _, r := range s.All(u) {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}

// All returns every unexpired cookie applying to u, longest path first and
// then oldest first. Expired cookies met on the way are purged.
func (s *Store) All(u *url.URL) []Record {
	host := canonicalHost(u)
	if host == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out, expired []Record
	for _, scope := range candidateScopes(host) {
		for _, r := range s.scopes[scope] {
			if r.Expired(now) {
				expired = append(expired, r)
				continue
			}
			if r.matches(u) {
				out = append(out, r)
			}
		}
	}
	for _, r := range expired {
		if s.db == nil {
			break
		}
		if err := s.deleteLocked(r.Scope, r.Name, r.Path); err != nil {
			s.bad.Warn().Err(err).Str("name", r.Name).Msg("Could not purge expired cookie")
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Path) != len(out[j].Path) {
			return len(out[i].Path) > len(out[j].Path)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rename changes the name of the cookie called from that applies to u,
// keeping value and every other attribute. It reports whether a cookie was
// renamed. A cookie already called to in the same scope and path is replaced.
func (s *Store) Rename(u *url.URL, from, to string) (bool, error) {
	if to == "" {
		return false, ErrNoName
	}
	old, ok := s.Get(u, from)
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrClosed
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("rename cookie: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM cookies WHERE scope = ? AND name = ? AND path = ?",
		old.Scope, to, old.Path); err != nil {
		return false, fmt.Errorf("rename cookie: %w", err)
	}
	if _, err := tx.Exec("UPDATE cookies SET name = ? WHERE id = ?", to, old.ID); err != nil {
		return false, fmt.Errorf("rename cookie: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rename cookie: %w", err)
	}

	delete(s.scopes[old.Scope], recordKey{name: from, path: old.Path})
	renamed := old
	renamed.Name = to
	s.put(renamed)
	s.log.Info().Str("scope", old.Scope).Str("from", from).Str("to", to).Msg("Cookie renamed")
	return true, nil
}

// SetCookies implements http.CookieJar. Failures are logged and the cookie
// is dropped.
func (s *Store) SetCookies(u *url.URL, cookies []*http.Cookie) {
	now := s.now()
	for _, c := range cookies {
		rec, keep := FromHTTP(u, c, now)
		var err error
		if keep {
			err = s.Add(u, rec)
		} else {
			err = s.Remove(u, rec)
		}
		if err != nil {
			s.bad.Warn().Err(err).Str("url", u.Host).Str("name", c.Name).Msg("Dropping cookie")
		}
	}
}

// Cookies implements http.CookieJar.
func (s *Store) Cookies(u *url.URL) []*http.Cookie {
	recs := s.All(u)
	if len(recs) == 0 {
		return nil
	}
	out := make([]*http.Cookie, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.HTTPCookie())
	}
	return out
}

// Len returns the number of cookies held, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *Store) countLocked() int {
	n := 0
	for _, m := range s.scopes {
		n += len(m)
	}
	return n
}

func (s *Store) put(r Record) {
	m := s.scopes[r.Scope]
	if m == nil {
		m = map[recordKey]Record{}
		s.scopes[r.Scope] = m
	}
	m[recordKey{name: r.Name, path: r.Path}] = r
}

func (s *Store) deleteLocked(scope, name, path string) error {
	if _, err := s.db.Exec("DELETE FROM cookies WHERE scope = ? AND name = ? AND path = ?",
		scope, name, path); err != nil {
		return fmt.Errorf("delete cookie %s: %w", name, err)
	}
	if m := s.scopes[scope]; m != nil {
		delete(m, recordKey{name: name, path: path})
		if len(m) == 0 {
			delete(s.scopes, scope)
		}
	}
	return nil
}

// scopeFor validates a Domain attribute against u and returns the scope the
// cookie is stored under along with the normalized Domain. IP hosts only
// accept host-only cookies; a Domain equal to the IP is dropped.
func scopeFor(u *url.URL, domain string) (string, string, error) {
	host := canonicalHost(u)
	if host == "" {
		return "", "", ErrNoHost
	}
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" {
		return host, "", nil
	}
	if isIPHost(host) {
		if domain != host {
			return "", "", fmt.Errorf("%w: %s for ip host %s", ErrDomainMismatch, domain, host)
		}
		return host, "", nil
	}
	if domain == host {
		return domain, domain, nil
	}
	if !domainMatch(host, domain) {
		return "", "", fmt.Errorf("%w: %s for %s", ErrDomainMismatch, domain, host)
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		return "", "", fmt.Errorf("%w: %s is a public suffix", ErrDomainMismatch, domain)
	}
	return domain, domain, nil
}

// candidateScopes lists host and every parent domain of host.
func candidateScopes(host string) []string {
	out := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
		out = append(out, host)
	}
}
