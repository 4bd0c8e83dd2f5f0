package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forum_archive/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

// feedServer serves a synthetic group feed split into fixed pages.
type feedServer struct {
	t      *testing.T
	pages  [][]string
	index  []map[string]string
	posts  map[string]string
	server *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{t: t, posts: map[string]string{}}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *feedServer) record(r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.requests = append(fs.requests, r.URL.Path+"?"+r.URL.RawQuery)
}

func (fs *feedServer) requestCount(substr string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, r := range fs.requests {
		if strings.Contains(r, substr) {
			n++
		}
	}
	return n
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.record(r)
	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/42/feed" && q.Get("fields") == IndexFields:
		fmt.Fprint(w, mustJSON(fs.t, map[string]any{"data": fs.index}))
	case r.URL.Path == "/42/feed":
		n, _ := strconv.Atoi(q.Get("page"))
		if n >= len(fs.pages) {
			http.Error(w, `{"error":{"message":"page out of range"}}`, http.StatusBadRequest)
			return
		}
		var data []json.RawMessage
		for _, raw := range fs.pages[n] {
			data = append(data, json.RawMessage(raw))
		}
		next := fmt.Sprintf("%s/42/feed?page=%d&limit=%s", fs.server.URL, n+1, q.Get("limit"))
		fmt.Fprint(w, mustJSON(fs.t, map[string]any{"data": data, "paging": map[string]string{"next": next}}))
	default:
		id := strings.TrimPrefix(r.URL.Path, "/")
		body, ok := fs.posts[id]
		if !ok {
			http.Error(w, `{"error":{"message":"Unsupported get request"}}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, body)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func postJSON(id string, created time.Time) string {
	return fmt.Sprintf(`{"id":%q,"message":"post %s","created_time":%q}`, id, id, created.Format(model.TimeLayout))
}

func newTestFetcher(fs *feedServer, limit int) *Fetcher {
	return New(fs.server.Client(), Options{
		BaseURL:     fs.server.URL,
		AccessToken: "secret",
		PostLimit:   limit,
		IndexLimit:  100,
		Concurrency: 3,
	})
}

func ids(posts []model.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	sort.Strings(out)
	return out
}

func TestFetchPostsPagination(t *testing.T) {
	base := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	mkPage := func(start, n int) []string {
		var page []string
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("42_%d", start+i)
			page = append(page, postJSON(id, base.Add(time.Duration(start+i)*time.Hour)))
		}
		return page
	}

	tests := []struct {
		name      string
		pages     [][]string
		wantPosts int
		wantPages int
	}{
		{
			name:      "full pages then partial",
			pages:     [][]string{mkPage(0, 10), mkPage(10, 10), mkPage(20, 4), mkPage(24, 10)},
			wantPosts: 24,
			wantPages: 3,
		},
		{
			name:      "eighty percent continues",
			pages:     [][]string{mkPage(0, 8), mkPage(8, 3)},
			wantPosts: 11,
			wantPages: 2,
		},
		{
			name:      "below eighty percent stops",
			pages:     [][]string{mkPage(0, 7), mkPage(7, 10)},
			wantPosts: 7,
			wantPages: 1,
		},
		{
			name:      "empty feed",
			pages:     [][]string{{}},
			wantPosts: 0,
			wantPages: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFeedServer(t)
			fs.pages = tt.pages
			f := newTestFetcher(fs, 10)

			until := base.Add(1000 * time.Hour)
			posts, err := f.FetchPosts(context.Background(), 42, nil, &until)
			if err != nil {
				t.Fatalf("FetchPosts: %v", err)
			}
			if diff := cmp.Diff(tt.wantPosts, len(posts)); diff != "" {
				t.Errorf("post count (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantPages, fs.requestCount("/42/feed")); diff != "" {
				t.Errorf("page requests (-want +got):\n%s", diff)
			}
			if n := fs.requestCount(IndexFields); n != 0 {
				t.Errorf("index scan must not run with an until bound, got %d requests", n)
			}
		})
	}
}

func TestFetchPostsQuery(t *testing.T) {
	fs := newFeedServer(t)
	fs.pages = [][]string{{}}
	f := newTestFetcher(fs, 10)

	since := time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2015, 7, 1, 0, 0, 0, 0, time.UTC)
	if _, err := f.FetchPosts(context.Background(), 42, &since, &until); err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}

	fs.mu.Lock()
	first := fs.requests[0]
	fs.mu.Unlock()

	for _, want := range []string{
		"limit=10",
		"since=2015-06-01T00%3A00%3A00Z",
		"until=2015-07-01T00%3A00%3A00Z",
		"access_token=secret",
		"comments.limit%28750%29",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("query %q missing %q", first, want)
		}
	}
}

func TestPostFieldsKeepsExplicitComments(t *testing.T) {
	f := New(&mockTransport{}, Options{PostFields: "id,message,comments{id}"})
	if diff := cmp.Diff("id,message,comments{id}", f.postFields()); diff != "" {
		t.Errorf("postFields (-want +got):\n%s", diff)
	}

	f = New(&mockTransport{}, Options{PostFields: "id,message", CommentFields: "id,from", CommentLimit: 5})
	if diff := cmp.Diff("id,message,comments.limit(5){id,from}", f.postFields()); diff != "" {
		t.Errorf("postFields (-want +got):\n%s", diff)
	}
}

func TestFetchPostsLegacyUpdateCapture(t *testing.T) {
	t0 := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := func(t time.Time) string { return t.Format(model.TimeLayout) }

	fs := newFeedServer(t)
	fs.pages = [][]string{{postJSON("42_300", t2)}}
	fs.index = []map[string]string{
		{"id": "42_300", "created_time": ts(t2), "updated_time": ts(t2)},
		{"id": "42_100", "created_time": ts(t0), "updated_time": ts(t2)},
		{"id": "42_101", "created_time": ts(t0), "updated_time": ts(t0)},
		{"id": "42_102", "created_time": ts(t0), "updated_time": ts(t1)},
	}
	fs.posts["42_100"] = fmt.Sprintf(`{"id":"42_100","message":"edited","created_time":%q,"updated_time":%q}`, ts(t0), ts(t2))
	fs.posts["42_102"] = fmt.Sprintf(`{"id":"42_102","message":"edited at bound","created_time":%q,"updated_time":%q}`, ts(t0), ts(t1))

	f := newTestFetcher(fs, 10)
	posts, err := f.FetchPosts(context.Background(), 42, &t1, nil)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}

	if diff := cmp.Diff([]string{"42_100", "42_102", "42_300"}, ids(posts)); diff != "" {
		t.Errorf("fetched ids (-want +got):\n%s", diff)
	}
	for _, p := range posts {
		if p.ID == "42_100" && p.Message != "edited" {
			t.Errorf("legacy post content = %q, want %q", p.Message, "edited")
		}
		if p.Group != 42 {
			t.Errorf("post %s group = %d, want 42", p.ID, p.Group)
		}
	}
	if n := fs.requestCount("/42_101"); n != 0 {
		t.Errorf("unchanged post refetched %d times", n)
	}
}

func TestFetchPostsErrors(t *testing.T) {
	t.Run("feed failure", func(t *testing.T) {
		fs := newFeedServer(t)
		f := newTestFetcher(fs, 10)
		until := time.Now()

		_, err := f.FetchPosts(context.Background(), 42, nil, &until)
		var rfe *model.RemoteFetchError
		if !errors.As(err, &rfe) {
			t.Fatalf("expected RemoteFetchError, got %v", err)
		}
		if rfe.GroupID != 42 {
			t.Errorf("group id = %d, want 42", rfe.GroupID)
		}
		if !strings.Contains(rfe.Query, "/42/feed") {
			t.Errorf("query %q does not name the feed", rfe.Query)
		}
		if strings.Contains(rfe.Query, "secret") {
			t.Errorf("query %q leaks the access token", rfe.Query)
		}
		if !strings.Contains(err.Error(), "page out of range") {
			t.Errorf("error %q does not carry the remote message", err)
		}
	})

	t.Run("legacy refetch failure", func(t *testing.T) {
		t0 := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
		t1 := time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC)
		fs := newFeedServer(t)
		fs.pages = [][]string{{}}
		fs.index = []map[string]string{
			{"id": "42_100", "created_time": t0.Format(model.TimeLayout), "updated_time": t1.Add(time.Hour).Format(model.TimeLayout)},
		}
		f := newTestFetcher(fs, 10)

		_, err := f.FetchPosts(context.Background(), 42, &t1, nil)
		var rfe *model.RemoteFetchError
		if !errors.As(err, &rfe) {
			t.Fatalf("expected RemoteFetchError, got %v", err)
		}
		if !strings.Contains(rfe.Query, "/42_100") {
			t.Errorf("query %q does not name the post", rfe.Query)
		}
	})

	t.Run("transport errors", func(t *testing.T) {
		tests := []struct {
			name      string
			transport *mockTransport
		}{
			{name: "network error", transport: &mockTransport{err: io.ErrUnexpectedEOF}},
			{name: "http error status", transport: &mockTransport{body: "not found", statusCode: 404}},
			{name: "invalid json", transport: &mockTransport{body: "<html>", statusCode: 200}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := New(tt.transport, Options{BaseURL: "https://graph.example.com"})
				_, err := f.FetchPost(context.Background(), 42, "42_1")
				var rfe *model.RemoteFetchError
				if !errors.As(err, &rfe) {
					t.Fatalf("expected RemoteFetchError, got %v", err)
				}
			})
		}
	})
}

func TestListGroups(t *testing.T) {
	body := `{"data":[
		{"id":"42","name":"Skepti-Forum Main","privacy":"OPEN"},
		{"id":"43","name":"Cooking","privacy":"CLOSED"}
	]}`
	f := New(&mockTransport{body: body, statusCode: 200}, Options{BaseURL: "https://graph.example.com"})

	got, err := f.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	want := []RemoteGroup{
		{ID: 42, Name: "Skepti-Forum Main", Privacy: "OPEN"},
		{ID: 43, Name: "Cooking", Privacy: "CLOSED"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListGroups mismatch (-want +got):\n%s", diff)
	}
}

func TestRedact(t *testing.T) {
	got := redact("https://graph.example.com/42/feed?access_token=abc&limit=5")
	if diff := cmp.Diff("https://graph.example.com/42/feed?limit=5", got); diff != "" {
		t.Errorf("redact (-want +got):\n%s", diff)
	}
}
