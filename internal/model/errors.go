package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// ErrBusy is returned when a pass for the same group is already running.
var ErrBusy = errors.New("group is busy")

// NotFoundError reports an unknown group or post.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// GroupNotFound builds a NotFoundError for a group key or id.
func GroupNotFound(key string) error {
	return &NotFoundError{Kind: "group", Key: key}
}

// PostNotFound builds a NotFoundError for a post.
func PostNotFound(groupID, postID int64) error {
	return &NotFoundError{Kind: "post", Key: fmt.Sprintf("%d_%d", groupID, postID)}
}

// RemoteFetchError wraps a failed call to the remote feed API.
type RemoteFetchError struct {
	GroupID int64
	Query   string
	Err     error
}

func (e *RemoteFetchError) Error() string {
	return fmt.Sprintf("remote fetch for group %d with query %q: %v", e.GroupID, e.Query, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// StorageError wraps an archive file I/O failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}
