package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

const samplePost = `{
	"id": "42_100",
	"from": {"id": "7", "name": "Alice"},
	"to": {"data": [{"id": "42", "name": "Skepti-Forum Test"}]},
	"message": "hello",
	"created_time": "2015-03-01T10:00:00+0000",
	"updated_time": "2015-03-02T11:30:00+0000",
	"type": "status",
	"privacy": {"value": ""},
	"likes": {"data": [{"id": "1"}, {"id": "2"}]},
	"comments": {"data": [
		{"id": "100_9001", "from": {"id": "8", "name": "Bob"}, "message": "hi", "created_time": "2015-03-01T12:00:00+0000", "like_count": 3, "attachment": {"type": "photo"}}
	]}
}`

func TestPostDecode(t *testing.T) {
	var p Post
	if err := json.Unmarshal([]byte(samplePost), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	gid, err := p.GroupID()
	if err != nil {
		t.Fatalf("group id: %v", err)
	}
	pid, err := p.LocalID()
	if err != nil {
		t.Fatalf("local id: %v", err)
	}

	got := struct {
		Group, Post, Author int64
		Name, Message       string
		Likes, Comments     int
		Created, Modified   time.Time
		ExtraKeys           []string
	}{
		Group: gid, Post: pid, Author: p.AuthorID(),
		Name: p.AuthorName(), Message: p.Message,
		Likes: p.LikeCount(), Comments: p.CommentCount(),
		Created: p.CreatedTime.UTC(), Modified: p.LastModified().UTC(),
	}
	for k := range p.Extra {
		got.ExtraKeys = append(got.ExtraKeys, k)
	}

	want := got
	want.Group, want.Post, want.Author = 42, 100, 7
	want.Name, want.Message = "Alice", "hello"
	want.Likes, want.Comments = 2, 1
	want.Created = time.Date(2015, 3, 1, 10, 0, 0, 0, time.UTC)
	want.Modified = time.Date(2015, 3, 2, 11, 30, 0, 0, time.UTC)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded post mismatch (-want +got):\n%s", diff)
	}
	if len(p.Extra) != 2 {
		t.Errorf("expected 2 extra fields, got %v", got.ExtraKeys)
	}

	c := p.CommentList()[0]
	if diff := cmp.Diff(3, c.LikeCount); diff != "" {
		t.Errorf("comment like count (-want +got):\n%s", diff)
	}
	if _, ok := c.Extra["attachment"]; !ok {
		t.Error("comment attachment not preserved")
	}
}

func TestPostRoundTripPreservesPayload(t *testing.T) {
	var p Post
	if err := json.Unmarshal([]byte(samplePost), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var want, got map[string]any
	if err := json.Unmarshal([]byte(samplePost), &want); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload changed on round trip (-want +got):\n%s", diff)
	}
}

func TestPostMissingFields(t *testing.T) {
	var p Post
	if err := json.Unmarshal([]byte(`{"id":"555","created_time":"2015-01-01T00:00:00+0000"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if diff := cmp.Diff(UnknownAuthor, p.AuthorName()); diff != "" {
		t.Errorf("author name (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(UnknownUserID, p.AuthorID()); diff != "" {
		t.Errorf("author id (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("", p.Message); diff != "" {
		t.Errorf("message (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(0, p.LikeCount()); diff != "" {
		t.Errorf("likes (-want +got):\n%s", diff)
	}
	if !p.LastModified().Equal(p.CreatedTime.Time) {
		t.Errorf("LastModified should fall back to created time, got %v", p.LastModified())
	}
	if _, err := p.GroupID(); err == nil {
		t.Error("expected error for post without group")
	}

	p.Group = 42
	gid, err := p.GroupID()
	if err != nil {
		t.Fatalf("group id: %v", err)
	}
	if diff := cmp.Diff(int64(42), gid); diff != "" {
		t.Errorf("group fallback (-want +got):\n%s", diff)
	}
}

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "42_100", want: 100},
		{in: "100", want: 100},
		{in: "100_9001", want: 9001},
		{in: "42_abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CanonicalID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTruncateMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		length  int
		want    string
	}{
		{name: "short", message: "short text", length: 150, want: "short text"},
		{name: "newlines flattened", message: "a\nb", length: 10, want: "a b"},
		{name: "cut at word", message: "the quick brown fox", length: 12, want: "the quick..."},
		{name: "no spaces", message: "abcdefghij", length: 4, want: "abcd..."},
		{name: "multibyte kept whole", message: "ééééé", length: 3, want: "é..."},
		{name: "multibyte boundary", message: "ééééé", length: 4, want: "éé..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Post{Message: tt.message}.TruncateMessage(tt.length)
			if !utf8.ValidString(got) {
				t.Errorf("TruncateMessage returned invalid UTF-8 %q", got)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("TruncateMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "remote layout", in: `"2015-03-01T10:00:00+0000"`, want: time.Date(2015, 3, 1, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339", in: `"2015-03-01T10:00:00Z"`, want: time.Date(2015, 3, 1, 10, 0, 0, 0, time.UTC)},
		{name: "null", in: `null`},
		{name: "garbage", in: `"yesterday"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.in), &ts)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ts.Equal(tt.want) {
				t.Errorf("got %v, want %v", ts.Time, tt.want)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := PostNotFound(42, 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected errors.Is(err, ErrNotFound), got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatal("expected *NotFoundError")
	}
	if diff := cmp.Diff("42_999", nf.Key); diff != "" {
		t.Errorf("key (-want +got):\n%s", diff)
	}
}

func TestGroupIDPrefersGroupOverRecipient(t *testing.T) {
	tests := []struct {
		name string
		post Post
		want int64
	}{
		{name: "compound id wins", post: Post{ID: "42_100", Group: 77, To: &Edge[Author]{Data: []Author{{ID: "7"}}}}, want: 42},
		{name: "group over tagged user", post: Post{ID: "100", Group: 42, To: &Edge[Author]{Data: []Author{{ID: "7"}}}}, want: 42},
		{name: "recipient last", post: Post{ID: "100", To: &Edge[Author]{Data: []Author{{ID: "7"}}}}, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.post.GroupID()
			if err != nil {
				t.Fatalf("group id: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GroupID (-want +got):\n%s", diff)
			}
		})
	}
}
