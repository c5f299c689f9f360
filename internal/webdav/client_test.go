package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:            serverURL + "/dav/files/alice",
		Username:           "alice",
		Password:           "secret",
		MinRequestInterval: time.Millisecond,
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client
}

func TestWriteRetriesThrottlingAndSlowsPace(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "alice" || pass != "secret" {
			t.Fatalf("expected basic auth credentials to be forwarded")
		}
		call := atomic.AddInt32(&calls, 1)
		if call <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	before := client.MinRequestInterval()
	if err := client.Write(context.Background(), "hosts/H1/projects/p1/s1.jsonl", []byte("{}")); err != nil {
		t.Fatalf("expected write to recover after throttling, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&calls))
	}
	if client.MinRequestInterval() <= before {
		t.Fatalf("expected pacing interval to increase after 503, got %s (was %s)", client.MinRequestInterval(), before)
	}
}

func TestWriteSurfacesNonRetryableFailureWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.Write(context.Background(), "hosts/H1/machine.json", []byte("{}"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt for a 403, got %d", atomic.LoadInt32(&calls))
	}
}

func TestExistsTreats404AsNegative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Fatalf("expected PROPFIND, got %s", r.Method)
		}
		if r.Header.Get("Depth") != "0" {
			t.Fatalf("expected Depth 0, got %q", r.Header.Get("Depth"))
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	exists, err := client.Exists(context.Background(), "hosts/H9")
	if err != nil {
		t.Fatalf("expected 404 to be a clean negative, got %v", err)
	}
	if exists {
		t.Fatalf("expected exists=false for 404")
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Delete(context.Background(), "hosts/H1/projects/p1/gone.jsonl"); err != nil {
		t.Fatalf("expected delete of missing file to succeed, got %v", err)
	}
}

func TestReadMissingFileMatchesErrNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Read(context.Background(), "session-names.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMakeDirectoryRecursiveCreatesAncestorsAndCachesThem(t *testing.T) {
	var mkcols []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "MKCOL" {
			t.Fatalf("expected MKCOL, got %s", r.Method)
		}
		mkcols = append(mkcols, r.URL.Path)
		if r.URL.Path == "/dav/files/alice/hosts" {
			// already exists
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.MakeDirectoryRecursive(context.Background(), "hosts/H1/projects"); err != nil {
		t.Fatalf("recursive mkdir failed: %v", err)
	}
	if len(mkcols) != 3 {
		t.Fatalf("expected 3 MKCOL requests, got %d (%v)", len(mkcols), mkcols)
	}

	if err := client.MakeDirectoryRecursive(context.Background(), "hosts/H1/projects/p1"); err != nil {
		t.Fatalf("second recursive mkdir failed: %v", err)
	}
	if len(mkcols) != 4 {
		t.Fatalf("expected known prefixes to be skipped, got %d MKCOL requests (%v)", len(mkcols), mkcols)
	}
	if mkcols[3] != "/dav/files/alice/hosts/H1/projects/p1" {
		t.Fatalf("expected only the new leaf to be created, got %s", mkcols[3])
	}
}

func TestListParsesMultistatusAndExcludesSelf(t *testing.T) {
	body := `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/dav/files/alice/hosts/H2/projects/p2/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/files/alice/hosts/H2/projects/p2/s2.jsonl</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype/>
        <d:getcontentlength>512</d:getcontentlength>
        <d:getlastmodified>Fri, 28 Aug 2026 10:00:00 GMT</d:getlastmodified>
        <d:getetag>"abc123"</d:getetag>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/files/alice/hosts/H2/projects/p2/partial.jsonl</d:href>
    <d:propstat>
      <d:prop><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Depth") != "1" {
			t.Fatalf("expected Depth 1 for listing, got %q", r.Header.Get("Depth"))
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	entries, err := client.List(context.Background(), "hosts/H2/projects/p2")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected queried directory to be excluded, got %d entries", len(entries))
	}
	full := entries[1]
	if full.Path != "hosts/H2/projects/p2/s2.jsonl" && entries[0].Path == "hosts/H2/projects/p2/s2.jsonl" {
		full = entries[0]
	}
	if full.Path != "hosts/H2/projects/p2/s2.jsonl" {
		t.Fatalf("expected normalized relative path, got %q", full.Path)
	}
	if full.Size != 512 {
		t.Fatalf("expected size 512, got %d", full.Size)
	}
	if full.ETag != `"abc123"` {
		t.Fatalf("expected etag to be preserved, got %q", full.ETag)
	}
	want := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	if !full.ModTime.Equal(want) {
		t.Fatalf("expected mod time %s, got %s", want, full.ModTime)
	}

	var partial RemoteObject
	for _, entry := range entries {
		if entry.Path == "hosts/H2/projects/p2/partial.jsonl" {
			partial = entry
		}
	}
	if partial.Path == "" {
		t.Fatalf("expected entry with missing properties to survive")
	}
	if partial.Size != 0 || !partial.ModTime.Equal(time.Unix(0, 0).UTC()) || partial.ETag != "" {
		t.Fatalf("expected defaults for missing properties, got %+v", partial)
	}
}

func TestListRecursiveWalksCollections(t *testing.T) {
	listings := map[string]string{
		"/dav/files/alice/hosts": `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response><d:href>/dav/files/alice/hosts/</d:href>
    <d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response><d:href>/dav/files/alice/hosts/H1/</d:href>
    <d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
</d:multistatus>`,
		"/dav/files/alice/hosts/H1": `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response><d:href>/dav/files/alice/hosts/H1/</d:href>
    <d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response><d:href>/dav/files/alice/hosts/H1/machine.json</d:href>
    <d:propstat><d:prop><d:resourcetype/><d:getcontentlength>64</d:getcontentlength></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
</d:multistatus>`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := listings[r.URL.Path]
		if !ok {
			t.Fatalf("unexpected listing request for %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	entries, err := client.ListRecursive(context.Background(), "hosts")
	if err != nil {
		t.Fatalf("recursive list failed: %v", err)
	}
	got := make([]string, 0, len(entries))
	for _, entry := range entries {
		got = append(got, fmt.Sprintf("%s dir=%v", entry.Path, entry.IsDir))
	}
	if len(entries) != 2 || got[0] != "hosts/H1 dir=true" || got[1] != "hosts/H1/machine.json dir=false" {
		t.Fatalf("unexpected recursive listing: %v", got)
	}
}

func TestResourceURLEscapesSegments(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "https://example.com/dav/files/alice/"})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	got := client.resourceURL("hosts/H1/projects/my project/s 1.jsonl")
	want := "https://example.com/dav/files/alice/hosts/H1/projects/my%20project/s%201.jsonl"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHrefToRelPathHandlesAbsoluteAndEscapedHrefs(t *testing.T) {
	rel, ok := hrefToRelPath("https://example.com/dav/files/alice/hosts/H1/my%20project/", "/dav/files/alice")
	if !ok || rel != "hosts/H1/my project" {
		t.Fatalf("unexpected mapping: %q ok=%v", rel, ok)
	}
	if _, ok := hrefToRelPath("/other/tree/file", "/dav/files/alice"); ok {
		t.Fatalf("expected href outside base path to be rejected")
	}
	// Case differences are significant on the remote store.
	if _, ok := hrefToRelPath("/DAV/files/alice/hosts", "/dav/files/alice"); ok {
		t.Fatalf("expected case-sensitive base comparison")
	}
}
