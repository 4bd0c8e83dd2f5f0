// Package indexer derives activity records from archived posts and writes
// them to the reporting sink.
package indexer

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

	"forum_archive/internal/archive"
	"forum_archive/internal/model"
	"forum_archive/internal/storage"
	"forum_archive/internal/workpool"
)

// Archive lists and reads archived posts.
type Archive interface {
	ListPosts(ctx context.Context, groupID int64) ([]archive.Entry, error)
	GetPost(ctx context.Context, groupID, postID int64) (*model.Post, error)
}

// Groups resolves groups and updates their watermarks atomically.
type Groups interface {
	Resolve(idOrKey string) (model.Group, error)
	List() []model.Group
	Update(ctx context.Context, id int64, fn func(*model.Group) error) (model.Group, error)
}

// Options tunes an Indexer.
type Options struct {
	// ReadConcurrency bounds concurrent archive reads within one pass.
	ReadConcurrency int
	// GroupConcurrency bounds concurrent passes in IndexAll.
	GroupConcurrency int
}

// Indexer builds the activity index from the archive.
type Indexer struct {
	archive Archive
	sink    storage.Sink
	groups  Groups
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	mu      sync.Mutex
	running map[int64]bool
}

// New creates an Indexer.
func New(arch Archive, sink storage.Sink, groups Groups, logger *slog.Logger, opts Options) *Indexer {
	if opts.ReadConcurrency < 1 {
		opts.ReadConcurrency = 8
	}
	if opts.GroupConcurrency < 1 {
		opts.GroupConcurrency = 1
	}
	return &Indexer{
		archive: arch,
		sink:    sink,
		groups:  groups,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		running: make(map[int64]bool),
	}
}

// Running reports whether an index pass for the group is in progress.
func (ix *Indexer) Running(groupID int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.running[groupID]
}

func (ix *Indexer) begin(groupID int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.running[groupID] {
		return fmt.Errorf("index group %d: %w", groupID, model.ErrBusy)
	}
	ix.running[groupID] = true
	return nil
}

func (ix *Indexer) end(groupID int64) {
	ix.mu.Lock()
	delete(ix.running, groupID)
	ix.mu.Unlock()
}

// LowerBound returns the earliest archive modification time an index pass
// has to look at, or nil when every archived post must be scanned.
func LowerBound(g model.Group) *time.Time {
	if g.LastIndexed == nil {
		return nil
	}
	lower := *g.LastIndexed
	if g.PendingSince != nil {
		if g.PendingSince.IsZero() {
			return nil
		}
		if g.PendingSince.Before(lower) {
			lower = *g.PendingSince
		}
	}
	return &lower
}

// IndexGroup indexes the archived posts of a group modified since its last
// index pass. Records already present in the sink are skipped, so the pass
// can be repeated safely. All new records are committed in one batch and
// LastIndexed advances only after that commit.
func (ix *Indexer) IndexGroup(ctx context.Context, idOrKey string) (model.Group, error) {
	g, err := ix.groups.Resolve(idOrKey)
	if err != nil {
		return model.Group{}, err
	}
	if err := ix.begin(g.ID); err != nil {
		return g, err
	}
	defer ix.end(g.ID)

	logger := ix.logger.With("group_id", g.ID, "run_id", uuid.NewString())
	updated, err := ix.run(ctx, logger, g)
	if err != nil {
		logger.Error("index pass failed", "error", err)
		return g, err
	}
	return updated, nil
}

func (ix *Indexer) run(ctx context.Context, logger *slog.Logger, g model.Group) (model.Group, error) {
	started := ix.now().UTC()
	lower := LowerBound(g)
	logger.Info("index pass started", "since", lower)

	entries, err := ix.archive.ListPosts(ctx, g.ID)
	if err != nil {
		return g, fmt.Errorf("list posts of group %d: %w", g.ID, err)
	}
	selected := selectEntries(entries, lower, started)

	posts, err := ix.readPosts(ctx, logger, selected)
	if err != nil {
		return g, fmt.Errorf("read posts of group %d: %w", g.ID, err)
	}

	records, err := ix.stage(ctx, g.ID, posts)
	if err != nil {
		return g, err
	}

	inserted, err := ix.sink.InsertActivities(ctx, records)
	if err != nil {
		return g, fmt.Errorf("commit activities of group %d: %w", g.ID, err)
	}

	updated, err := ix.groups.Update(ctx, g.ID, func(cur *model.Group) error {
		if cur.LastIndexed == nil || cur.LastIndexed.Before(started) {
			t := started
			cur.LastIndexed = &t
		}
		// An archive pass that committed meanwhile may have written posts
		// this pass did not see; keep its pending bound for the next pass.
		if timesEqual(cur.LastArchived, g.LastArchived) {
			cur.PendingSince = nil
		}
		return nil
	})
	if err != nil {
		return g, fmt.Errorf("commit group %d: %w", g.ID, err)
	}

	logger.Info("index pass committed",
		"scanned", len(entries),
		"selected", len(selected),
		"staged", len(records),
		"inserted", inserted,
		"last_indexed", updated.LastIndexed,
	)
	return updated, nil
}

// selectEntries keeps entries modified in [lower, upper). A nil lower
// bound keeps everything before upper.
func selectEntries(entries []archive.Entry, lower *time.Time, upper time.Time) []archive.Entry {
	out := make([]archive.Entry, 0, len(entries))
	for _, e := range entries {
		if lower != nil && e.ModTime.Before(*lower) {
			continue
		}
		if !e.ModTime.Before(upper) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (ix *Indexer) readPosts(ctx context.Context, logger *slog.Logger, entries []archive.Entry) ([]*model.Post, error) {
	results := workpool.Run(ctx, ix.opts.ReadConcurrency, entries, func(ctx context.Context, e archive.Entry) (*model.Post, error) {
		p, err := ix.archive.GetPost(ctx, e.GroupID, e.PostID)
		if errors.Is(err, model.ErrNotFound) {
			logger.Warn("archived post vanished", "post_id", e.PostID)
			return nil, nil
		}
		return p, err
	})

	posts := make([]*model.Post, 0, len(entries))
	var firstErr error
	for r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		if r.Value != nil {
			posts = append(posts, r.Value)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return posts, nil
}

// stage builds the records of every post and comment that is not yet in
// the sink.
func (ix *Indexer) stage(ctx context.Context, groupID int64, posts []*model.Post) ([]model.Activity, error) {
	var records []model.Activity
	staged := make(map[int64]bool)

	add := func(a model.Activity) error {
		if staged[a.ID] {
			return nil
		}
		exists, err := ix.sink.ActivityExists(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("check activity %d: %w", a.ID, err)
		}
		staged[a.ID] = true
		if !exists {
			records = append(records, a)
		}
		return nil
	}

	for _, p := range posts {
		built, err := Activities(groupID, p)
		if err != nil {
			return nil, err
		}
		for _, a := range built {
			if err := add(a); err != nil {
				return nil, err
			}
		}
	}
	return records, nil
}

// Activities flattens a post and its comments into activity records.
func Activities(groupID int64, p *model.Post) ([]model.Activity, error) {
	postID, err := model.CanonicalID(p.ID)
	if err != nil {
		return nil, fmt.Errorf("post id: %w", err)
	}

	out := make([]model.Activity, 0, 1+p.CommentCount())
	out = append(out, model.Activity{
		ID:          postID,
		GroupID:     groupID,
		PostID:      postID,
		UserID:      p.AuthorID(),
		Type:        model.ObjectPost,
		LikeCount:   p.LikeCount(),
		DateCreated: p.CreatedTime.Time,
	})

	for _, c := range p.CommentList() {
		id, err := model.CanonicalID(c.ID)
		if err != nil {
			return nil, fmt.Errorf("comment id on post %s: %w", p.ID, err)
		}
		out = append(out, model.Activity{
			ID:          id,
			GroupID:     groupID,
			PostID:      postID,
			UserID:      c.AuthorID(),
			Type:        model.ObjectComment,
			LikeCount:   c.LikeCount,
			DateCreated: c.CreatedTime.Time,
		})
	}
	return out, nil
}

// IndexAll runs an index pass for every registered group, at most
// GroupConcurrency at a time. Failures are isolated per group; the groups
// that committed are returned along with the joined errors.
func (ix *Indexer) IndexAll(ctx context.Context) ([]model.Group, error) {
	groups := ix.groups.List()

	var (
		mu      sync.Mutex
		updated []model.Group
		errs    []error
	)
	eg := new(errgroup.Group)
	eg.SetLimit(ix.opts.GroupConcurrency)
	for _, g := range groups {
		eg.Go(func() error {
			res, err := ix.IndexGroup(ctx, strconv.FormatInt(g.ID, 10))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
				return nil
			}
			updated = append(updated, res)
			return nil
		})
	}
	_ = eg.Wait()

	ix.logger.Info("index all finished", "groups", len(groups), "committed", len(updated), "failed", len(errs))
	return updated, errors.Join(errs...)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
