package site

import (
	"errors"
	"io/fs"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func testSite(t *testing.T) *Site {
	t.Helper()
	base, _ := url.Parse("https://h.nimingban.com")
	cdn, _ := url.Parse("https://h.nimingban.com/Api/getCdnPath")
	return New(base, cdn)
}

func TestPickCDNFallsBackToBase(t *testing.T) {
	s := testSite(t)
	if got := s.PickCDN(nil); got != "https://h.nimingban.com" {
		t.Fatalf("got %s", got)
	}
}

func TestPickCDNWeighted(t *testing.T) {
	s := testSite(t)
	s.SetCDNPaths([]CDNPath{
		{URL: "https://a.example/", Rate: 3},
		{URL: "https://b.example/", Rate: 1},
		{URL: "https://never.example/", Rate: 0},
		{URL: "  ", Rate: 5},
	})
	if n := len(s.CDNPaths()); n != 3 {
		t.Fatalf("%d paths kept", n)
	}

	rnd := rand.New(rand.NewSource(1))
	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		counts[s.PickCDN(rnd)]++
	}
	if counts["https://never.example/"] != 0 {
		t.Fatal("zero-rate mirror picked")
	}
	a, b := counts["https://a.example/"], counts["https://b.example/"]
	if a < 2*b || b == 0 {
		t.Fatalf("distribution a=%d b=%d", a, b)
	}
}

func TestImageURL(t *testing.T) {
	s := testSite(t)
	s.SetCDNPaths([]CDNPath{{URL: "https://img.example/", Rate: 1}})
	if got := s.ImageURL(nil, "/thumb/2024/a.jpg"); got != "https://img.example/thumb/2024/a.jpg" {
		t.Fatalf("got %s", got)
	}
	if got := s.ImageURL(nil, "https://x.example/a.png"); got != "https://x.example/a.png" {
		t.Fatalf("absolute url rewritten: %s", got)
	}
}

func TestCDNPathFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ac_cdn_path")
	want := []CDNPath{{URL: "https://a.example/", Rate: 0.5}, {URL: "https://b.example/", Rate: 1}}
	if err := SaveCDNPaths(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCDNPaths(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v", got)
	}

	if err := SaveCDNPaths(path, want[:1]); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadCDNPaths(path); len(got) != 1 {
		t.Fatalf("file not overwritten: %v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temporary files left: %d entries", len(entries))
	}
}

func TestLoadCDNPathsErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadCDNPaths(filepath.Join(dir, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("got %v", err)
	}
	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCDNPaths(bad); err == nil {
		t.Fatal("expected a parse error")
	}
}
