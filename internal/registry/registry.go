// Package registry keeps the catalog of tracked groups and their sync
// watermarks.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"forum_archive/internal/fetcher"
	"forum_archive/internal/filter"
	"forum_archive/internal/model"
)

// Catalog persists the group collection and counts archived posts.
type Catalog interface {
	GetGroups(ctx context.Context) ([]model.Group, error)
	PutGroups(ctx context.Context, groups []model.Group) error
	CountPosts(ctx context.Context, groupID int64) (int, error)
}

// GroupLister lists the groups visible on the remote side.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]fetcher.RemoteGroup, error)
}

// Registry is the in-memory group catalog. Every mutation is persisted
// through the Catalog while the registry lock is held, so concurrent updates
// to different groups never overwrite each other.
type Registry struct {
	catalog Catalog
	lister  GroupLister
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[int64]model.Group
	counts map[int64]int
}

// New creates an empty Registry. Call Load to populate it.
func New(catalog Catalog, lister GroupLister, logger *slog.Logger) *Registry {
	return &Registry{
		catalog: catalog,
		lister:  lister,
		logger:  logger,
		groups:  make(map[int64]model.Group),
		counts:  make(map[int64]int),
	}
}

// Load replaces the in-memory state with the persisted catalog. A missing
// catalog yields an empty registry.
func (r *Registry) Load(ctx context.Context) ([]model.Group, error) {
	groups, err := r.catalog.GetGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	if err := validate(groups); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = make(map[int64]model.Group, len(groups))
	for _, g := range groups {
		r.groups[g.ID] = g
	}
	r.counts = make(map[int64]int)
	r.logger.Debug("groups loaded", "count", len(groups))
	return r.listLocked(), nil
}

// Save persists the current state.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

func (r *Registry) saveLocked(ctx context.Context) error {
	if err := r.catalog.PutGroups(ctx, r.listLocked()); err != nil {
		return fmt.Errorf("save groups: %w", err)
	}
	return nil
}

// List returns every group ordered by id.
func (r *Registry) List() []model.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []model.Group {
	ids := slices.Sorted(maps.Keys(r.groups))
	out := make([]model.Group, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.groups[id])
	}
	return out
}

// Lookup returns the group with the given id.
func (r *Registry) Lookup(id int64) (model.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return model.Group{}, model.GroupNotFound(strconv.FormatInt(id, 10))
	}
	return g, nil
}

// LookupKey returns the group with the given friendly key.
func (r *Registry) LookupKey(key string) (model.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if key != "" && g.Key == key {
			return g, nil
		}
	}
	return model.Group{}, model.GroupNotFound(key)
}

// Resolve looks a group up by numeric id, falling back to its key.
func (r *Registry) Resolve(idOrKey string) (model.Group, error) {
	if id, err := strconv.ParseInt(idOrKey, 10, 64); err == nil {
		if g, err := r.Lookup(id); err == nil {
			return g, nil
		}
	}
	return r.LookupKey(idOrKey)
}

// Update applies fn to a copy of one group and persists the result. The
// change is discarded when fn or the write fails. Id and key are immutable.
func (r *Registry) Update(ctx context.Context, id int64, fn func(*model.Group) error) (model.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.groups[id]
	if !ok {
		return model.Group{}, model.GroupNotFound(strconv.FormatInt(id, 10))
	}
	g := old
	if err := fn(&g); err != nil {
		return old, err
	}
	if g.ID != old.ID || g.Key != old.Key {
		return old, fmt.Errorf("update group %d: id and key are immutable", id)
	}

	r.groups[id] = g
	if err := r.saveLocked(ctx); err != nil {
		r.groups[id] = old
		return old, err
	}
	if !timesEqual(old.LastArchived, g.LastArchived) {
		delete(r.counts, id)
	}
	return g, nil
}

// Replace swaps the whole collection and persists it. This is the only way
// a group is removed.
func (r *Registry) Replace(ctx context.Context, groups []model.Group) error {
	if err := validate(groups); err != nil {
		return fmt.Errorf("replace groups: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.groups
	r.groups = make(map[int64]model.Group, len(groups))
	for _, g := range groups {
		r.groups[g.ID] = g
	}
	if err := r.saveLocked(ctx); err != nil {
		r.groups = old
		return err
	}
	r.counts = make(map[int64]int)
	return nil
}

// PostCount returns the number of archived posts of a group. The value is
// cached until the group's LastArchived changes.
func (r *Registry) PostCount(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return 0, model.GroupNotFound(strconv.FormatInt(id, 10))
	}
	if n, ok := r.counts[id]; ok {
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	n, err := r.catalog.CountPosts(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("count posts of group %d: %w", id, err)
	}

	r.mu.Lock()
	if cur, ok := r.groups[id]; ok && timesEqual(cur.LastArchived, g.LastArchived) {
		r.counts[id] = n
	}
	r.mu.Unlock()
	return n, nil
}

// InvalidateCount drops the cached post count of a group.
func (r *Registry) InvalidateCount(id int64) {
	r.mu.Lock()
	delete(r.counts, id)
	r.mu.Unlock()
}

// Discover lists the remote groups, keeps those whose name contains
// nameFilter and, when publicOnly is set, whose privacy is open. Matches are
// merged into the registry: new groups are added, names and visibility of
// known ones refreshed, watermarks kept. The matching groups are returned.
func (r *Registry) Discover(ctx context.Context, publicOnly bool, nameFilter string) ([]model.Group, error) {
	remote, err := r.lister.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover groups: %w", err)
	}

	crit := filter.Criteria{Name: nameFilter, PublicOnly: publicOnly}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := maps.Clone(r.groups)
	var found []int64
	added := 0
	for _, rg := range remote {
		if !filter.Match(filter.Candidate{Name: rg.Name, Privacy: rg.Privacy}, crit) {
			continue
		}
		g, ok := r.groups[rg.ID]
		if !ok {
			g = model.Group{ID: rg.ID}
			added++
		}
		g.Name = rg.Name
		g.Public = filter.IsPublic(rg.Privacy)
		r.groups[rg.ID] = g
		found = append(found, rg.ID)
	}

	if err := r.saveLocked(ctx); err != nil {
		r.groups = old
		return nil, err
	}
	r.logger.Info("groups discovered", "matched", len(found), "added", added, "remote", len(remote))

	slices.Sort(found)
	out := make([]model.Group, 0, len(found))
	for _, id := range slices.Compact(found) {
		out = append(out, r.groups[id])
	}
	return out, nil
}

func validate(groups []model.Group) error {
	ids := make(map[int64]bool, len(groups))
	keys := make(map[string]bool, len(groups))
	for _, g := range groups {
		if g.ID == 0 {
			return fmt.Errorf("group %q has no id", g.Name)
		}
		if ids[g.ID] {
			return fmt.Errorf("duplicate group id %d", g.ID)
		}
		ids[g.ID] = true
		if g.Key == "" {
			continue
		}
		if keys[g.Key] {
			return fmt.Errorf("duplicate group key %q", g.Key)
		}
		keys[g.Key] = true
	}
	return nil
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
