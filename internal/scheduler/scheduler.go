// Package scheduler periodically archives and indexes groups whose archive
// watermark has gone stale.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"forum_archive/internal/model"
)

// Sender is the interface for sending Telegram messages.
type Sender interface {
	SendMessage(chatID int64, text string)
}

// Groups lists the registered groups.
type Groups interface {
	List() []model.Group
}

// Archiver runs archive passes.
type Archiver interface {
	ArchiveGroup(ctx context.Context, idOrKey string) (model.Group, error)
}

// Indexer runs index passes.
type Indexer interface {
	IndexGroup(ctx context.Context, idOrKey string) (model.Group, error)
}

// Scheduler periodically syncs due groups.
type Scheduler struct {
	groups   Groups
	archiver Archiver
	indexer  Indexer
	log      *slog.Logger

	tick        time.Duration
	interval    time.Duration
	concurrency int
	now         func() time.Time

	sender Sender
	admins []int64
}

// New creates a Scheduler that syncs a group once its last archive pass is
// older than interval.
func New(groups Groups, archiver Archiver, indexer Indexer, log *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		groups:      groups,
		archiver:    archiver,
		indexer:     indexer,
		log:         log,
		tick:        1 * time.Minute,
		interval:    interval,
		concurrency: 1,
		now:         time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetConcurrency sets how many groups are synced at once.
func (s *Scheduler) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// SetNotifier reports failed passes to the given chats.
func (s *Scheduler) SetNotifier(sender Sender, chatIDs []int64) {
	s.sender = sender
	s.admins = chatIDs
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.syncDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncDue(ctx)
		}
	}
}

// Due returns the groups whose archive watermark is missing or older than
// the sync interval.
func (s *Scheduler) Due() []model.Group {
	cutoff := s.now().Add(-s.interval)
	var due []model.Group
	for _, g := range s.groups.List() {
		if g.LastArchived == nil || !g.LastArchived.After(cutoff) {
			due = append(due, g)
		}
	}
	return due
}

func (s *Scheduler) syncDue(ctx context.Context) {
	due := s.Due()
	if len(due) == 0 {
		return
	}
	s.log.Debug("syncing due groups", "count", len(due))

	eg := new(errgroup.Group)
	eg.SetLimit(s.concurrency)
	for _, g := range due {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			s.syncGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()
}

func (s *Scheduler) syncGroup(ctx context.Context, g model.Group) {
	id := strconv.FormatInt(g.ID, 10)

	if _, err := s.archiver.ArchiveGroup(ctx, id); err != nil {
		s.report(ctx, g, "archive", err)
		return
	}
	if _, err := s.indexer.IndexGroup(ctx, id); err != nil {
		s.report(ctx, g, "index", err)
		return
	}
	s.log.Info("group synced", "group_id", g.ID, "name", g.Name)
}

func (s *Scheduler) report(ctx context.Context, g model.Group, pass string, err error) {
	switch {
	case errors.Is(err, model.ErrBusy):
		s.log.Debug("group busy, skipped", "group_id", g.ID, "pass", pass)
		return
	case ctx.Err() != nil:
		return
	}
	s.log.Error("scheduled pass failed", "group_id", g.ID, "pass", pass, "error", err)

	if s.sender == nil {
		return
	}
	msg := fmt.Sprintf("Scheduled %s of %s failed:\n%v", pass, g.Label(), err)
	for _, chatID := range s.admins {
		s.sender.SendMessage(chatID, msg)
	}
}
