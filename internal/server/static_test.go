package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func writeStaticFile(t *testing.T, root, name, content string) {
	t.Helper()
	target := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestStaticRoutes(t *testing.T) {
	root := t.TempDir()
	writeStaticFile(t, root, "html/homepage.html", "<h1>oxdn</h1>")
	writeStaticFile(t, root, "html/leaderboard.html", "<h1>leaderboard</h1>")
	writeStaticFile(t, root, "css/site.css", "body{}")
	writeStaticFile(t, root, "assets/logo.svg", "<svg/>")
	writeStaticFile(t, root, "secret.txt", "nope")
	fixture := newServerFixture(t, root)

	testCases := []struct {
		path        string
		status      int
		body        string
		longCache bool
	}{
		{path: "/", status: http.StatusOK, body: "<h1>oxdn</h1>"},
		{path: "/leaderboard.html", status: http.StatusOK, body: "<h1>leaderboard</h1>"},
		{path: "/css/site.css", status: http.StatusOK, body: "body{}", longCache: true},
		{path: "/assets/logo.svg", status: http.StatusOK, body: "<svg/>", longCache: true},
		{path: "/missing.html", status: http.StatusNotFound},
		{path: "/../secret.txt", status: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.path, func(t *testing.T) {
			response := fixture.do(t, http.MethodGet, testCase.path, "", "")
			cacheControl := response.Header.Get("Cache-Control")
			body := readBody(t, response)
			if response.StatusCode != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, response.StatusCode)
			}
			if testCase.body != "" && body != testCase.body {
				t.Fatalf("unexpected body %q", body)
			}
			if testCase.longCache && cacheControl != staticCacheControl {
				t.Fatalf("expected long cache header, got %q", cacheControl)
			}
		})
	}
}
