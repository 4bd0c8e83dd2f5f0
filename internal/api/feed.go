package api

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/feeds"

	"forum_archive/internal/archive"
	"forum_archive/internal/model"
)

const feedSummaryLength = 200

func (s *Server) groupFeed(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Resolve(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rss, err := s.buildFeed(r.Context(), baseURL(r), g)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rss))
}

// buildFeed renders the most recently modified archived posts of a group as
// RSS 2.0.
func (s *Server) buildFeed(ctx context.Context, base string, g model.Group) (string, error) {
	entries, err := s.deps.Archive.ListPosts(ctx, g.ID)
	if err != nil {
		return "", fmt.Errorf("list posts of group %d: %w", g.ID, err)
	}
	slices.SortFunc(entries, func(a, b archive.Entry) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return cmp.Compare(b.PostID, a.PostID)
	})
	if len(entries) > s.opts.FeedSize {
		entries = entries[:s.opts.FeedSize]
	}

	name := g.Name
	if name == "" {
		name = g.Label()
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s archive", name),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/api/groups/%d", base, g.ID)},
		Description: fmt.Sprintf("Archived threads of %s", name),
		Created:     time.Now(),
	}
	if g.LastArchived != nil {
		feed.Updated = *g.LastArchived
	}

	for _, e := range entries {
		post, err := s.deps.Archive.GetPost(ctx, e.GroupID, e.PostID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          post.ID,
			Title:       post.Title(name),
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/api/groups/%d/%d", base, e.GroupID, e.PostID)},
			Description: post.TruncateMessage(feedSummaryLength),
			Content:     post.Message,
			Author:      &feeds.Author{Name: post.AuthorName()},
			Created:     post.CreatedTime.Time,
			Updated:     post.LastModified(),
		})
	}
	return feed.ToRss()
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
