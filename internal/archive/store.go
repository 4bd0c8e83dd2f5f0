// Package archive stores fetched posts as one JSON file per post, partitioned
// by group, together with the group catalog.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"forum_archive/internal/model"
)

// CatalogFile is the name of the group catalog at the archive root.
const CatalogFile = "Groups.json"

// Entry describes one archived post file.
type Entry struct {
	GroupID int64
	PostID  int64
	Path    string
	ModTime time.Time
}

// Store is the filesystem archive rooted at a directory.
type Store struct {
	root string
	now  func() time.Time
}

// New creates a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// PostPath returns the file a post is stored in.
func (s *Store) PostPath(groupID, postID int64) string {
	g := strconv.FormatInt(groupID, 10)
	return filepath.Join(s.root, g, fmt.Sprintf("%s_%d.json", g, postID))
}

// PostExists reports whether a post has been archived.
func (s *Store) PostExists(ctx context.Context, groupID, postID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := s.PostPath(groupID, postID)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &model.StorageError{Op: "stat", Path: path, Err: err}
	}
}

// ListPosts returns every archived post of a group in directory order.
// A group without a partition has no posts.
func (s *Store) ListPosts(ctx context.Context, groupID int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, strconv.FormatInt(groupID, 10))
	items, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageError{Op: "list", Path: dir, Err: err}
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		postID, ok := parsePostFile(groupID, item.Name())
		if !ok {
			continue
		}
		info, err := item.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &model.StorageError{Op: "stat", Path: filepath.Join(dir, item.Name()), Err: err}
		}
		entries = append(entries, Entry{
			GroupID: groupID,
			PostID:  postID,
			Path:    filepath.Join(dir, item.Name()),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// CountPosts returns the number of archived posts of a group.
func (s *Store) CountPosts(ctx context.Context, groupID int64) (int, error) {
	entries, err := s.ListPosts(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// GetPost reads an archived post.
func (s *Store) GetPost(ctx context.Context, groupID, postID int64) (*model.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.PostPath(groupID, postID)
	data, err := os.ReadFile(path) //nolint:gosec // path built from numeric ids
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.PostNotFound(groupID, postID)
	}
	if err != nil {
		return nil, &model.StorageError{Op: "read", Path: path, Err: err}
	}

	var post model.Post
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, &model.StorageError{Op: "decode", Path: path, Err: err}
	}
	post.Group = groupID
	return &post, nil
}

// PutPost writes a post to the location derived from its group and id,
// replacing any earlier copy. The file's modification time is set from the
// post's updated or created time, or the current time when neither is known.
func (s *Store) PutPost(ctx context.Context, post *model.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	groupID, err := post.GroupID()
	if err != nil {
		return fmt.Errorf("put post: %w", err)
	}
	postID, err := post.LocalID()
	if err != nil {
		return fmt.Errorf("put post: %w", err)
	}

	data, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode post %s: %w", post.ID, err)
	}

	path := s.PostPath(groupID, postID)
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	stamp := post.LastModified()
	if stamp.IsZero() {
		stamp = s.now()
	}
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		return &model.StorageError{Op: "chtimes", Path: path, Err: err}
	}
	return nil
}

// GetGroups reads the group catalog. A missing catalog is empty.
func (s *Store) GetGroups(ctx context.Context) ([]model.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, CatalogFile)
	data, err := os.ReadFile(path) //nolint:gosec // fixed file under archive root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageError{Op: "read", Path: path, Err: err}
	}

	var groups []model.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, &model.StorageError{Op: "decode", Path: path, Err: err}
	}
	return groups, nil
}

// PutGroups replaces the group catalog.
func (s *Store) PutGroups(ctx context.Context, groups []model.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if groups == nil {
		groups = []model.Group{}
	}
	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	return writeAtomic(filepath.Join(s.root, CatalogFile), data)
}

func parsePostFile(groupID int64, name string) (int64, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	prefix, local, ok := strings.Cut(base, "_")
	if !ok || prefix != strconv.FormatInt(groupID, 10) {
		return 0, false
	}
	id, err := strconv.ParseInt(local, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// writeAtomic replaces path with data through a temporary file in the same
// directory, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &model.StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &model.StorageError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &model.StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &model.StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return &model.StorageError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &model.StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
