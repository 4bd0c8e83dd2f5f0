package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forum_archive/internal/archive"
	"forum_archive/internal/fetcher"
	"forum_archive/internal/model"
	"forum_archive/internal/registry"
)

type fakeFeed struct {
	mu     sync.Mutex
	posts  map[int64][]string
	err    error
	since  []*time.Time
	block  chan struct{}
	called chan struct{}
}

func (f *fakeFeed) FetchPosts(ctx context.Context, groupID int64, since, _ *time.Time) ([]model.Post, error) {
	f.mu.Lock()
	f.since = append(f.since, since)
	block, called := f.block, f.called
	f.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	var out []model.Post
	for _, raw := range f.posts[groupID] {
		var p model.Post
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type failingStore struct{}

func (failingStore) PutPost(_ context.Context, p *model.Post) error {
	return &model.StorageError{Op: "write", Path: p.ID, Err: errors.New("disk full")}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	post100 = `{"id":"42_100","from":{"id":"7","name":"Alice"},"message":"first","created_time":"2015-03-01T10:00:00+0000",
		"comments":{"data":[{"id":"100_9001","from":{"id":"8","name":"Bob"},"message":"reply","created_time":"2015-03-01T11:00:00+0000","like_count":1}]}}`
	post101 = `{"id":"42_101","message":"second","created_time":"2015-03-02T10:00:00+0000",
		"comments":{"data":[{"id":"101_9002","message":"anon","created_time":"2015-03-02T11:00:00+0000"}]}}`
)

type fixture struct {
	store    *archive.Store
	registry *registry.Registry
	feed     *fakeFeed
	archiver *Archiver
	clock    time.Time
}

func newFixture(t *testing.T, groups ...model.Group) *fixture {
	t.Helper()
	store := archive.New(t.TempDir())
	reg := registry.New(store, nil, testLogger())
	if err := reg.Replace(context.Background(), groups); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	feed := &fakeFeed{posts: map[int64][]string{42: {post100, post101}}}
	f := &fixture{
		store:    store,
		registry: reg,
		feed:     feed,
		clock:    time.Date(2016, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.archiver = New(feed, store, reg, testLogger(), Options{WriteConcurrency: 2, GroupConcurrency: 2})
	f.archiver.now = func() time.Time { return f.clock }
	return f
}

func TestArchiveGroupScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Group{ID: 42, Key: "main", Name: "Skepti-Forum Main"})

	g, err := f.archiver.ArchiveGroup(ctx, "main")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	for _, name := range []string{"42_100.json", "42_101.json"} {
		if _, err := os.Stat(filepath.Join(f.store.Root(), "42", name)); err != nil {
			t.Errorf("expected archive file %s: %v", name, err)
		}
	}

	if g.LastArchived == nil || !g.LastArchived.Equal(f.clock) {
		t.Errorf("LastArchived = %v, want %v", g.LastArchived, f.clock)
	}
	if g.PendingSince == nil || !g.PendingSince.IsZero() {
		t.Errorf("PendingSince = %v, want zero time for a full pass", g.PendingSince)
	}
	if diff := cmp.Diff(Committed, f.archiver.State(42)); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}

	stored, err := f.store.GetPost(ctx, 42, 100)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if diff := cmp.Diff(1, stored.CommentCount()); diff != "" {
		t.Errorf("stored comments (-want +got):\n%s", diff)
	}

	persisted, err := f.store.GetGroups(ctx)
	if err != nil {
		t.Fatalf("get groups: %v", err)
	}
	if persisted[0].LastArchived == nil {
		t.Error("watermark not persisted")
	}
}

func TestArchiveGroupWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Group{ID: 42})

	first := f.clock
	if _, err := f.archiver.ArchiveGroup(ctx, "42"); err != nil {
		t.Fatalf("first archive: %v", err)
	}

	f.clock = first.Add(time.Hour)
	g, err := f.archiver.ArchiveGroup(ctx, "42")
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if !g.LastArchived.Equal(first.Add(time.Hour)) {
		t.Errorf("LastArchived = %v, want %v", g.LastArchived, first.Add(time.Hour))
	}
	if f.feed.since[0] != nil {
		t.Errorf("first pass since = %v, want nil", f.feed.since[0])
	}
	if f.feed.since[1] == nil || !f.feed.since[1].Equal(first) {
		t.Errorf("second pass since = %v, want %v", f.feed.since[1], first)
	}
	if !g.PendingSince.IsZero() {
		t.Errorf("PendingSince should keep the earliest bound, got %v", g.PendingSince)
	}

	// A clock that went backwards must not move the watermark back.
	f.clock = first.Add(-24 * time.Hour)
	g, err = f.archiver.ArchiveGroup(ctx, "42")
	if err != nil {
		t.Fatalf("third archive: %v", err)
	}
	if !g.LastArchived.Equal(first.Add(time.Hour)) {
		t.Errorf("watermark moved backwards to %v", g.LastArchived)
	}
}

func TestArchiveGroupFailureLeavesWatermark(t *testing.T) {
	ctx := context.Background()
	prev := time.Date(2015, 12, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(f *fixture)
		check func(t *testing.T, err error)
	}{
		{
			name: "remote failure",
			setup: func(f *fixture) {
				f.feed.err = &model.RemoteFetchError{GroupID: 42, Query: "/42/feed", Err: errors.New("timeout")}
			},
			check: func(t *testing.T, err error) {
				var rfe *model.RemoteFetchError
				if !errors.As(err, &rfe) {
					t.Errorf("expected RemoteFetchError, got %v", err)
				}
			},
		},
		{
			name: "storage failure",
			setup: func(f *fixture) {
				f.archiver.store = failingStore{}
			},
			check: func(t *testing.T, err error) {
				var se *model.StorageError
				if !errors.As(err, &se) {
					t.Errorf("expected StorageError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, model.Group{ID: 42, LastArchived: &prev})
			tt.setup(f)

			_, err := f.archiver.ArchiveGroup(ctx, "42")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			tt.check(t, err)

			g, _ := f.registry.Lookup(42)
			if g.LastArchived == nil || !g.LastArchived.Equal(prev) {
				t.Errorf("watermark changed to %v", g.LastArchived)
			}
			if g.PendingSince != nil {
				t.Errorf("PendingSince set on failure: %v", g.PendingSince)
			}
			if diff := cmp.Diff(Idle, f.archiver.State(42)); diff != "" {
				t.Errorf("state (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArchiveGroupNotFound(t *testing.T) {
	f := newFixture(t, model.Group{ID: 42})
	if _, err := f.archiver.ArchiveGroup(context.Background(), "999"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveGroupBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Group{ID: 42})
	f.feed.block = make(chan struct{})
	f.feed.called = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.archiver.ArchiveGroup(ctx, "42")
		done <- err
	}()
	<-f.feed.called

	if diff := cmp.Diff(Fetching, f.archiver.State(42)); diff != "" {
		t.Errorf("state during fetch (-want +got):\n%s", diff)
	}
	if _, err := f.archiver.ArchiveGroup(ctx, "42"); !errors.Is(err, model.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(f.feed.block)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
}

func TestArchiveGroupCancelled(t *testing.T) {
	f := newFixture(t, model.Group{ID: 42})
	f.feed.block = make(chan struct{})
	f.feed.called = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.archiver.ArchiveGroup(ctx, "42")
		done <- err
	}()
	<-f.feed.called
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	g, _ := f.registry.Lookup(42)
	if g.LastArchived != nil {
		t.Errorf("watermark advanced on cancelled pass: %v", g.LastArchived)
	}
}

func TestArchiveAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Group{ID: 42}, model.Group{ID: 43}, model.Group{ID: 44})
	f.feed.posts[43] = []string{`{"id":"43_1","created_time":"2015-01-01T00:00:00+0000"}`}
	f.feed.posts[44] = []string{`{"id":"not-a-number"}`}

	updated, err := f.archiver.ArchiveAll(ctx)
	if err == nil {
		t.Fatal("expected joined error for group 44")
	}
	if !strings.Contains(err.Error(), "group 44") {
		t.Errorf("error %q does not name the failing group", err)
	}

	var ids []int64
	for _, g := range updated {
		ids = append(ids, g.ID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 committed groups, got %v", ids)
	}

	g43, _ := f.registry.Lookup(43)
	if g43.LastArchived == nil {
		t.Error("group 43 watermark not advanced")
	}
	g44, _ := f.registry.Lookup(44)
	if g44.LastArchived != nil {
		t.Error("group 44 watermark advanced despite failure")
	}
}

// TestLegacyUpdateRoundTrip syncs against a remote feed where a post created
// before the watermark was edited after it, and reads the edit back from the
// archive.
func TestLegacyUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	ts := func(t time.Time) string { return t.Format(model.TimeLayout) }

	mux := http.NewServeMux()
	mux.HandleFunc("/42/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fields") == fetcher.IndexFields {
			fmt.Fprintf(w, `{"data":[{"id":"42_100","created_time":%q,"updated_time":%q}]}`, ts(t0), ts(t2))
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})
	mux.HandleFunc("/42_100", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"id":"42_100","message":"edited","created_time":%q,"updated_time":%q}`, ts(t0), ts(t2))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := archive.New(t.TempDir())
	reg := registry.New(store, nil, testLogger())
	if err := reg.Replace(ctx, []model.Group{{ID: 42, LastArchived: &t1}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	feed := fetcher.New(srv.Client(), fetcher.Options{BaseURL: srv.URL, Concurrency: 2})
	a := New(feed, store, reg, testLogger(), Options{})

	if _, err := a.ArchiveGroup(ctx, "42"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := store.GetPost(ctx, 42, 100)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if diff := cmp.Diff("edited", got.Message); diff != "" {
		t.Errorf("archived content (-want +got):\n%s", diff)
	}
	g, _ := reg.Lookup(42)
	if g.PendingSince == nil || !g.PendingSince.Equal(t1) {
		t.Errorf("PendingSince = %v, want %v", g.PendingSince, t1)
	}
}
