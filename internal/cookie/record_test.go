package cookie

import (
	"math"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestPathMatch(t *testing.T) {
	cases := []struct {
		req, cookie string
		want        bool
	}{
		{"/", "/", true},
		{"/Api/showf", "/Api", true},
		{"/Api/showf", "/Api/", true},
		{"/Apixyz", "/Api", false},
		{"/", "/Api", false},
	}
	for _, c := range cases {
		if got := pathMatch(c.req, c.cookie); got != c.want {
			t.Fatalf("pathMatch(%q, %q) = %v", c.req, c.cookie, got)
		}
	}
}

func TestDomainMatch(t *testing.T) {
	if !domainMatch("h.nimingban.com", "nimingban.com") {
		t.Fatal("subdomain should match")
	}
	if domainMatch("hnimingban.com", "nimingban.com") {
		t.Fatal("suffix without dot should not match")
	}
}

func TestFromHTTPExpires(t *testing.T) {
	u, _ := url.Parse("https://h.nimingban.com/a/b")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, keep := FromHTTP(u, &http.Cookie{Name: "k", Value: "v", Expires: now.Add(90 * time.Second)}, now)
	if !keep || rec.MaxAge != 90 || rec.Path != "/a" {
		t.Fatalf("unexpected record %+v keep=%v", rec, keep)
	}
	if _, keep := FromHTTP(u, &http.Cookie{Name: "k", Expires: now.Add(-time.Second)}, now); keep {
		t.Fatal("cookie expiring in the past should be deleted")
	}
	rec, keep = FromHTTP(u, &http.Cookie{Name: "k", Domain: ".Nimingban.com"}, now)
	if !keep || rec.MaxAge != -1 || rec.Domain != "nimingban.com" {
		t.Fatalf("session cookie %+v", rec)
	}
}

func TestMaxAgeBeyondDurationNeverExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, age := range []int64{10_000_000_000, maxAgeLimit, math.MaxInt64} {
		if (Record{MaxAge: age, CreatedAt: now}).Expired(now.Add(time.Hour)) {
			t.Fatalf("max-age %d expired", age)
		}
	}
	if !(Record{MaxAge: 60, CreatedAt: now}).Expired(now.Add(time.Minute)) {
		t.Fatal("short max-age did not expire")
	}

	u, _ := url.Parse("https://h.nimingban.com/")
	rec, keep := FromHTTP(u, &http.Cookie{Name: "k", MaxAge: math.MaxInt}, now)
	if !keep || rec.MaxAge != maxAgeLimit {
		t.Fatalf("unexpected record %+v keep=%v", rec, keep)
	}
}
