package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"forum_archive/internal/model"
)

const (
	visibilityPublic = "public"
	visibilityClosed = "closed"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	if t.IsZero() {
		return "full rescan"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func visibility(g model.Group) string {
	if g.Public {
		return visibilityPublic
	}
	return visibilityClosed
}

// FormatGroupList formats a list of groups for display.
func FormatGroupList(groups []model.Group) string {
	if len(groups) == 0 {
		return "No groups yet. Use /discover to add some."
	}
	var b strings.Builder
	b.WriteString("Groups:\n")
	for _, g := range groups {
		fmt.Fprintf(&b, "\n#%d %s [%s]\n", g.ID, g.Name, visibility(g))
		if g.Key != "" {
			fmt.Fprintf(&b, "   key: %s\n", g.Key)
		}
		fmt.Fprintf(&b, "   archived: %s, indexed: %s\n", formatTime(g.LastArchived), formatTime(g.LastIndexed))
	}
	return b.String()
}

// FormatGroupInfo formats detailed information about a single group. A
// negative count means it could not be read.
func FormatGroupInfo(g model.Group, posts, activities int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", g.ID, g.Name, visibility(g))
	if g.Key != "" {
		fmt.Fprintf(&b, "Key: %s\n", g.Key)
	}
	fmt.Fprintf(&b, "Last archived: %s\n", formatTime(g.LastArchived))
	fmt.Fprintf(&b, "Last indexed: %s\n", formatTime(g.LastIndexed))
	if g.PendingSince != nil {
		fmt.Fprintf(&b, "Pending index since: %s\n", formatTime(g.PendingSince))
	}
	fmt.Fprintf(&b, "Archived threads: %s\n", formatCount(posts))
	fmt.Fprintf(&b, "Indexed activities: %s\n", formatCount(activities))
	return b.String()
}

func formatCount(n int) string {
	if n < 0 {
		return "unknown"
	}
	return fmt.Sprint(n)
}

// FormatPassResult reports a committed archive or index pass.
func FormatPassResult(pass string, g model.Group) string {
	switch pass {
	case cmdArchive:
		return fmt.Sprintf("Archived #%d %s, watermark %s.", g.ID, g.Name, formatTime(g.LastArchived))
	default:
		return fmt.Sprintf("Indexed #%d %s, watermark %s.", g.ID, g.Name, formatTime(g.LastIndexed))
	}
}

// FormatIndexAll summarizes an index pass over every group.
func FormatIndexAll(done []model.Group, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Indexed %d group(s).", len(done))
	if err == nil {
		return b.String()
	}

	failures := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		failures = joined.Unwrap()
	}
	fmt.Fprintf(&b, "\n%d failed:", len(failures))
	for _, f := range failures {
		b.WriteString("\n  ")
		if errors.Is(f, model.ErrBusy) {
			b.WriteString("(busy) ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// FormatActivity formats an indexed post or comment.
func FormatActivity(a *model.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", a.Type, a.ID)
	fmt.Fprintf(&b, "Group: %d\n", a.GroupID)
	if a.Type == model.ObjectComment {
		fmt.Fprintf(&b, "Thread: %d\n", a.PostID)
	}
	if a.UserID == model.UnknownUserID {
		b.WriteString("Author: unknown\n")
	} else {
		fmt.Fprintf(&b, "Author: %d\n", a.UserID)
	}
	fmt.Fprintf(&b, "Likes: %d\n", a.LikeCount)
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&a.DateCreated))
	return b.String()
}
