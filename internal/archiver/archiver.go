// Package archiver runs incremental sync passes that copy remote group posts
// into the local archive and advance the group's archive watermark.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"forum_archive/internal/model"
	"forum_archive/internal/workpool"
)

// State is the phase of a group's archive pass.
type State int

// Pass phases. A pass moves Idle -> Fetching -> Writing -> Committed; any
// failure returns the group to Idle.
const (
	Idle State = iota
	Fetching
	Writing
	Committed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Writing:
		return "writing"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Running reports whether a pass is in progress.
func (s State) Running() bool {
	return s == Fetching || s == Writing
}

// Feed fetches the posts of a group.
type Feed interface {
	FetchPosts(ctx context.Context, groupID int64, since, until *time.Time) ([]model.Post, error)
}

// Store persists posts.
type Store interface {
	PutPost(ctx context.Context, post *model.Post) error
}

// Groups resolves groups and updates their watermarks atomically.
type Groups interface {
	Resolve(idOrKey string) (model.Group, error)
	List() []model.Group
	Update(ctx context.Context, id int64, fn func(*model.Group) error) (model.Group, error)
}

// Options tunes an Archiver.
type Options struct {
	// WriteConcurrency bounds concurrent archive writes within one pass.
	WriteConcurrency int
	// GroupConcurrency bounds concurrent passes in ArchiveAll.
	GroupConcurrency int
}

// Archiver orchestrates per-group sync passes.
type Archiver struct {
	feed   Feed
	store  Store
	groups Groups
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu     sync.Mutex
	states map[int64]State
}

// New creates an Archiver.
func New(feed Feed, store Store, groups Groups, logger *slog.Logger, opts Options) *Archiver {
	if opts.WriteConcurrency < 1 {
		opts.WriteConcurrency = 4
	}
	if opts.GroupConcurrency < 1 {
		opts.GroupConcurrency = 1
	}
	return &Archiver{
		feed:   feed,
		store:  store,
		groups: groups,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		states: make(map[int64]State),
	}
}

// State returns the phase of the latest pass of a group.
func (a *Archiver) State(groupID int64) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[groupID]
}

func (a *Archiver) begin(groupID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.states[groupID].Running() {
		return fmt.Errorf("archive group %d: %w", groupID, model.ErrBusy)
	}
	a.states[groupID] = Fetching
	return nil
}

func (a *Archiver) setState(groupID int64, s State) {
	a.mu.Lock()
	a.states[groupID] = s
	a.mu.Unlock()
}

// ArchiveGroup fetches every post created or updated since the group's
// LastArchived watermark, writes them to the archive and, once all writes
// succeeded, advances the watermark to the time the pass started. A failed
// pass leaves the watermark untouched; posts already written stay, since
// rewriting them on retry is harmless.
func (a *Archiver) ArchiveGroup(ctx context.Context, idOrKey string) (model.Group, error) {
	g, err := a.groups.Resolve(idOrKey)
	if err != nil {
		return model.Group{}, err
	}
	if err := a.begin(g.ID); err != nil {
		return g, err
	}

	runID := uuid.NewString()
	logger := a.logger.With("group_id", g.ID, "run_id", runID)
	started := a.now().UTC()

	updated, err := a.run(ctx, logger, g, started)
	if err != nil {
		a.setState(g.ID, Idle)
		logger.Error("archive pass failed", "error", err)
		return g, err
	}
	a.setState(g.ID, Committed)
	return updated, nil
}

func (a *Archiver) run(ctx context.Context, logger *slog.Logger, g model.Group, started time.Time) (model.Group, error) {
	since := g.LastArchived
	logger.Info("archive pass started", "since", since)

	posts, err := a.feed.FetchPosts(ctx, g.ID, since, nil)
	if err != nil {
		return g, fmt.Errorf("fetch posts of group %d: %w", g.ID, err)
	}

	a.setState(g.ID, Writing)
	for i := range posts {
		if posts[i].Group == 0 {
			posts[i].Group = g.ID
		}
	}
	written, err := a.writePosts(ctx, posts)
	if err != nil {
		return g, fmt.Errorf("write posts of group %d: %w", g.ID, err)
	}

	updated, err := a.groups.Update(ctx, g.ID, func(cur *model.Group) error {
		commitWatermark(cur, since, started)
		return nil
	})
	if err != nil {
		return g, fmt.Errorf("commit group %d: %w", g.ID, err)
	}

	logger.Info("archive pass committed",
		"fetched", len(posts),
		"written", written,
		"last_archived", updated.LastArchived,
		"duration", a.now().Sub(started).Round(time.Millisecond),
	)
	return updated, nil
}

// commitWatermark advances LastArchived to started unless it is already
// later, and widens PendingSince so the next index pass covers every post
// this pass could have written.
func commitWatermark(g *model.Group, since *time.Time, started time.Time) {
	if g.LastArchived == nil || g.LastArchived.Before(started) {
		t := started
		g.LastArchived = &t
	}

	var lower time.Time
	if since != nil {
		lower = since.UTC()
	}
	if g.PendingSince == nil || lower.Before(*g.PendingSince) {
		g.PendingSince = &lower
	}
}

func (a *Archiver) writePosts(ctx context.Context, posts []model.Post) (int, error) {
	results := workpool.Run(ctx, a.opts.WriteConcurrency, posts, func(ctx context.Context, p model.Post) (struct{}, error) {
		if err := a.store.PutPost(ctx, &p); err != nil {
			return struct{}{}, fmt.Errorf("post %s: %w", p.ID, err)
		}
		return struct{}{}, nil
	})

	written := 0
	var firstErr error
	for r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		written++
	}
	return written, firstErr
}

// ArchiveAll runs a pass for every registered group, at most
// GroupConcurrency at a time. A failing group does not stop the others; the
// groups that committed are returned along with the joined errors.
func (a *Archiver) ArchiveAll(ctx context.Context) ([]model.Group, error) {
	groups := a.groups.List()

	var (
		mu      sync.Mutex
		updated []model.Group
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(a.opts.GroupConcurrency)
	for _, grp := range groups {
		g.Go(func() error {
			res, err := a.ArchiveGroup(ctx, strconv.FormatInt(grp.ID, 10))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("group %d: %w", grp.ID, err))
				return nil
			}
			updated = append(updated, res)
			return nil
		})
	}
	_ = g.Wait()

	a.logger.Info("archive all finished", "groups", len(groups), "committed", len(updated), "failed", len(errs))
	return updated, errors.Join(errs...)
}
