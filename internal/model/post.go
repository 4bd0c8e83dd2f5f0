package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// UnknownAuthor is shown for posts and comments whose author is missing.
const UnknownAuthor = "[Deleted User]"

// TimeLayout is the timestamp layout used by the remote feed API.
const TimeLayout = "2006-01-02T15:04:05-0700"

// Timestamp is a time that round-trips through the remote API layout.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts the remote layout and RFC 3339.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes the remote layout, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(TimeLayout))
}

// ParseTime parses a remote API timestamp.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Author identifies the user behind a post or comment.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Edge is a remote list wrapper of the form {"data": [...], "paging": {...}}.
type Edge[T any] struct {
	Data    []T             `json:"data"`
	Paging  json.RawMessage `json:"paging,omitempty"`
	Summary json.RawMessage `json:"summary,omitempty"`
}

// Comment is a reply embedded in a post.
type Comment struct {
	ID          string
	From        *Author
	Message     string
	CreatedTime Timestamp
	LikeCount   int
	Extra       map[string]json.RawMessage
}

type commentFields struct {
	ID          string    `json:"id"`
	From        *Author   `json:"from,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedTime Timestamp `json:"created_time"`
	LikeCount   int       `json:"like_count"`
}

var commentKeys = []string{"id", "from", "message", "created_time", "like_count"}

// UnmarshalJSON decodes the named fields and keeps the rest in Extra.
func (c *Comment) UnmarshalJSON(b []byte) error {
	var f commentFields
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("decode comment: %w", err)
	}
	extra, err := leftovers(b, commentKeys)
	if err != nil {
		return fmt.Errorf("decode comment: %w", err)
	}
	*c = Comment{
		ID:          f.ID,
		From:        f.From,
		Message:     f.Message,
		CreatedTime: f.CreatedTime,
		LikeCount:   f.LikeCount,
		Extra:       extra,
	}
	return nil
}

// MarshalJSON writes the named fields merged with Extra.
func (c Comment) MarshalJSON() ([]byte, error) {
	return mergeFields(commentFields{
		ID:          c.ID,
		From:        c.From,
		Message:     c.Message,
		CreatedTime: c.CreatedTime,
		LikeCount:   c.LikeCount,
	}, c.Extra)
}

// AuthorName returns the author's display name or UnknownAuthor.
func (c Comment) AuthorName() string {
	return authorName(c.From)
}

// AuthorID returns the numeric author id or UnknownUserID.
func (c Comment) AuthorID() int64 {
	return authorID(c.From)
}

// Post is an archived group post. Fields the application does not use are
// kept verbatim in Extra so that a stored post matches what was fetched.
type Post struct {
	ID          string
	From        *Author
	To          *Edge[Author]
	Message     string
	CreatedTime Timestamp
	UpdatedTime *Timestamp
	Likes       *Edge[json.RawMessage]
	Comments    *Edge[Comment]
	Extra       map[string]json.RawMessage

	// Group is the owning group when the id carries no group prefix.
	Group int64
}

type postFields struct {
	ID          string                 `json:"id"`
	From        *Author                `json:"from,omitempty"`
	To          *Edge[Author]          `json:"to,omitempty"`
	Message     string                 `json:"message,omitempty"`
	CreatedTime Timestamp              `json:"created_time"`
	UpdatedTime *Timestamp             `json:"updated_time,omitempty"`
	Likes       *Edge[json.RawMessage] `json:"likes,omitempty"`
	Comments    *Edge[Comment]         `json:"comments,omitempty"`
}

var postKeys = []string{"id", "from", "to", "message", "created_time", "updated_time", "likes", "comments"}

// UnmarshalJSON decodes the named fields and keeps the rest in Extra.
func (p *Post) UnmarshalJSON(b []byte) error {
	var f postFields
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("decode post: %w", err)
	}
	extra, err := leftovers(b, postKeys)
	if err != nil {
		return fmt.Errorf("decode post: %w", err)
	}
	*p = Post{
		ID:          f.ID,
		From:        f.From,
		To:          f.To,
		Message:     f.Message,
		CreatedTime: f.CreatedTime,
		UpdatedTime: f.UpdatedTime,
		Likes:       f.Likes,
		Comments:    f.Comments,
		Extra:       extra,
	}
	return nil
}

// MarshalJSON writes the named fields merged with Extra.
func (p Post) MarshalJSON() ([]byte, error) {
	return mergeFields(postFields{
		ID:          p.ID,
		From:        p.From,
		To:          p.To,
		Message:     p.Message,
		CreatedTime: p.CreatedTime,
		UpdatedTime: p.UpdatedTime,
		Likes:       p.Likes,
		Comments:    p.Comments,
	}, p.Extra)
}

// GroupID returns the owning group, taken from the compound id, the Group
// field, or the first recipient, in that order.
func (p Post) GroupID() (int64, error) {
	if prefix, _, ok := strings.Cut(p.ID, "_"); ok && prefix != "" {
		id, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("post %q: invalid group prefix: %w", p.ID, err)
		}
		return id, nil
	}
	if p.Group != 0 {
		return p.Group, nil
	}
	if p.To != nil && len(p.To.Data) > 0 {
		id, err := strconv.ParseInt(p.To.Data[0].ID, 10, 64)
		if err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("post %q: group unknown", p.ID)
}

// LocalID returns the post id with any group prefix removed.
func (p Post) LocalID() (int64, error) {
	return CanonicalID(p.ID)
}

// CanonicalID strips a "prefix_" from a remote id and parses the remainder.
func CanonicalID(remote string) (int64, error) {
	local := remote
	if i := strings.IndexByte(remote, '_'); i >= 0 {
		local = remote[i+1:]
	}
	id, err := strconv.ParseInt(local, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", remote, err)
	}
	return id, nil
}

// AuthorName returns the author's display name or UnknownAuthor.
func (p Post) AuthorName() string {
	return authorName(p.From)
}

// AuthorID returns the numeric author id or UnknownUserID.
func (p Post) AuthorID() int64 {
	return authorID(p.From)
}

// LikeCount is the number of likes embedded in the post.
func (p Post) LikeCount() int {
	if p.Likes == nil {
		return 0
	}
	return len(p.Likes.Data)
}

// CommentList returns the embedded comments, possibly empty.
func (p Post) CommentList() []Comment {
	if p.Comments == nil {
		return nil
	}
	return p.Comments.Data
}

// CommentCount is the number of comments embedded in the post.
func (p Post) CommentCount() int {
	return len(p.CommentList())
}

// LastModified returns the updated time, falling back to the created time.
// The zero time means neither is known.
func (p Post) LastModified() time.Time {
	if p.UpdatedTime != nil && !p.UpdatedTime.IsZero() {
		return p.UpdatedTime.Time
	}
	return p.CreatedTime.Time
}

// Title builds a human readable thread title.
func (p Post) Title(groupName string) string {
	return fmt.Sprintf("%s thread by %s (%s)", groupName, p.AuthorName(), p.CreatedTime.Format("2006-01-02"))
}

// TruncateMessage flattens newlines and cuts the message at a word boundary.
func (p Post) TruncateMessage(length int) string {
	message := strings.ReplaceAll(p.Message, "\n", " ")
	if len(message) <= length {
		return message
	}
	cut := strings.LastIndexByte(message[:length+1], ' ')
	if cut < 0 {
		cut = length
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
	}
	return message[:cut] + "..."
}

func authorName(a *Author) string {
	if a == nil || a.Name == "" {
		return UnknownAuthor
	}
	return a.Name
}

func authorID(a *Author) int64 {
	if a == nil {
		return UnknownUserID
	}
	id, err := strconv.ParseInt(a.ID, 10, 64)
	if err != nil {
		return UnknownUserID
	}
	return id
}

func leftovers(b []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func mergeFields(fields any, extra map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(named)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range named {
		if bytes.Equal(v, []byte("null")) {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}
