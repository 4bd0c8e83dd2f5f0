// Package model defines the domain types used across the application.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Group is a remote discussion group tracked by the archive.
type Group struct {
	ID     int64  `json:"id"`
	Key    string `json:"key,omitempty"`
	Name   string `json:"name"`
	Public bool   `json:"public"`

	// LastArchived advances only after a complete archive run.
	LastArchived *time.Time `json:"lastArchived,omitempty"`
	// LastIndexed advances only after a complete index run.
	LastIndexed *time.Time `json:"lastIndexed,omitempty"`
	// PendingSince is the earliest since bound of archive runs committed
	// after the last successful index run.
	PendingSince *time.Time `json:"pendingSince,omitempty"`
}

// Label returns the key when present, otherwise the numeric id.
func (g Group) Label() string {
	if g.Key != "" {
		return g.Key
	}
	return formatID(g.ID)
}

// ObjectType distinguishes posts from comments in the activity log.
type ObjectType int

// Supported object types.
const (
	ObjectPost ObjectType = iota
	ObjectComment
)

func (t ObjectType) String() string {
	switch t {
	case ObjectPost:
		return "Post"
	case ObjectComment:
		return "Comment"
	default:
		return "Unknown"
	}
}

// ParseObjectType converts "post" or "comment" (any case) to an ObjectType.
func ParseObjectType(s string) (ObjectType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "post", "0":
		return ObjectPost, true
	case "comment", "1":
		return ObjectComment, true
	}
	return 0, false
}

// UnknownUserID is recorded for activity whose author is not available.
const UnknownUserID int64 = -1

// Activity is a flattened reporting row for one post or comment.
type Activity struct {
	ID          int64      `json:"id"`
	GroupID     int64      `json:"groupId"`
	PostID      int64      `json:"postId"`
	UserID      int64      `json:"userId"`
	Type        ObjectType `json:"type"`
	LikeCount   int        `json:"likeCount"`
	DateCreated time.Time  `json:"dateCreated"`
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
