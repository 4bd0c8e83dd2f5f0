// Package fetcher talks to the remote feed API: paged post listings, single
// post lookups and group discovery.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"forum_archive/internal/config"
	"forum_archive/internal/model"
	"forum_archive/internal/workpool"
)

// IndexFields is the projection used for the lightweight post index.
const IndexFields = "id,created_time,updated_time"

const maxBodySize = 32 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Fetcher.
type Options struct {
	BaseURL     string
	AccessToken string

	PostFields    string
	PostLimit     int
	CommentFields string
	CommentLimit  int
	IndexLimit    int
	GroupFields   string
	GroupLimit    int

	// RequestsPerSecond caps outgoing requests; zero disables the limit.
	RequestsPerSecond float64
	// Concurrency bounds individual post refetches.
	Concurrency int
}

// OptionsFromConfig maps application configuration onto fetcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:           cfg.APIBaseURL,
		AccessToken:       cfg.AccessToken,
		PostFields:        cfg.Queries.Posts.Fields,
		PostLimit:         cfg.Queries.Posts.Limit,
		CommentFields:     cfg.Queries.Comments.Fields,
		CommentLimit:      cfg.Queries.Comments.Limit,
		IndexLimit:        cfg.Queries.Index.Limit,
		GroupFields:       cfg.Queries.Groups.Fields,
		GroupLimit:        cfg.Queries.Groups.Limit,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Concurrency:       cfg.FetchConcurrency,
	}
}

// RemoteGroup is a group as returned by the group listing.
type RemoteGroup struct {
	ID      int64  `json:"id,string"`
	Name    string `json:"name"`
	Privacy string `json:"privacy"`
}

// Fetcher downloads posts and groups from the remote API.
type Fetcher struct {
	client  HTTPClient
	opts    Options
	limiter *rate.Limiter
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, opts Options) *Fetcher {
	d := config.Defaults()
	if opts.PostLimit < 1 {
		opts.PostLimit = d.Queries.Posts.Limit
	}
	if opts.CommentLimit < 1 {
		opts.CommentLimit = d.Queries.Comments.Limit
	}
	if opts.IndexLimit < 1 {
		opts.IndexLimit = d.Queries.Index.Limit
	}
	if opts.GroupLimit < 1 {
		opts.GroupLimit = d.Queries.Groups.Limit
	}
	if opts.PostFields == "" {
		opts.PostFields = config.DefaultPostFields
	}
	if opts.CommentFields == "" {
		opts.CommentFields = config.DefaultCommentFields
	}
	if opts.GroupFields == "" {
		opts.GroupFields = config.DefaultGroupFields
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Fetcher{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type page[T any] struct {
	Data   []T `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// postFields returns the post projection with the embedded comment clause
// appended unless the configured fields already mention comments.
func (f *Fetcher) postFields() string {
	fields := f.opts.PostFields
	if strings.Contains(fields, "comments") {
		return fields
	}
	return fmt.Sprintf("%s,comments.limit(%d){%s}", fields, f.opts.CommentLimit, f.opts.CommentFields)
}

func (f *Fetcher) endpoint(path string, params url.Values) string {
	if f.opts.AccessToken != "" {
		params.Set("access_token", f.opts.AccessToken)
	}
	return f.opts.BaseURL + "/" + strings.TrimLeft(path, "/") + "?" + params.Encode()
}

// get performs one rate-limited GET and decodes the JSON body into out.
// Failures are reported as RemoteFetchError carrying the query without the
// access token.
func (f *Fetcher) get(ctx context.Context, groupID int64, rawURL string, out any) error {
	wrap := func(err error) error {
		return &model.RemoteFetchError{GroupID: groupID, Query: redact(rawURL), Err: err}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return wrap(fmt.Errorf("rate limit: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return wrap(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ForumArchive/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return wrap(fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return wrap(fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error != nil && ae.Error.Message != "" {
			return wrap(fmt.Errorf("status %d: %s", resp.StatusCode, ae.Error.Message))
		}
		return wrap(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return wrap(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// fetchPages follows paging.next from first while each page returns at least
// 80% of limit items.
func fetchPages[T any](ctx context.Context, f *Fetcher, groupID int64, first string, limit int) ([]T, error) {
	var all []T
	next := first
	for next != "" {
		var p page[T]
		if err := f.get(ctx, groupID, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if !pageIsFull(len(p.Data), limit) {
			break
		}
		next = p.Paging.Next
	}
	return all, nil
}

func pageIsFull(n, limit int) bool {
	return n*5 >= limit*4
}

// FetchPosts returns the posts of a group created inside [since, until).
// When since is set and until is not, posts created before since but
// updated at or after it are fetched as well.
func (f *Fetcher) FetchPosts(ctx context.Context, groupID int64, since, until *time.Time) ([]model.Post, error) {
	var feed, legacy []model.Post
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		feed, err = f.fetchFeed(gctx, groupID, since, until)
		return err
	})
	if since != nil && until == nil {
		g.Go(func() error {
			var err error
			legacy, err = f.fetchLegacyUpdates(gctx, groupID, *since)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergePosts(groupID, feed, legacy), nil
}

func (f *Fetcher) fetchFeed(ctx context.Context, groupID int64, since, until *time.Time) ([]model.Post, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(f.opts.PostLimit))
	params.Set("fields", f.postFields())
	if since != nil {
		params.Set("since", formatTime(*since))
	}
	if until != nil {
		params.Set("until", formatTime(*until))
	}
	first := f.endpoint(fmt.Sprintf("%d/feed", groupID), params)
	return fetchPages[model.Post](ctx, f, groupID, first, f.opts.PostLimit)
}

type indexEntry struct {
	ID          string          `json:"id"`
	CreatedTime model.Timestamp `json:"created_time"`
	UpdatedTime model.Timestamp `json:"updated_time"`
}

// updatedSince reports whether the post was created before since but
// modified at or after it.
func (e indexEntry) updatedSince(since time.Time) bool {
	return e.CreatedTime.Before(since) && !e.UpdatedTime.IsZero() && !e.UpdatedTime.Before(since)
}

func (f *Fetcher) fetchLegacyUpdates(ctx context.Context, groupID int64, since time.Time) ([]model.Post, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(f.opts.IndexLimit))
	params.Set("fields", IndexFields)
	first := f.endpoint(fmt.Sprintf("%d/feed", groupID), params)

	index, err := fetchPages[indexEntry](ctx, f, groupID, first, f.opts.IndexLimit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range index {
		if e.updatedSince(since) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return f.fetchEach(ctx, groupID, ids)
}

// fetchEach refetches posts concurrently and collects them in completion
// order.
func (f *Fetcher) fetchEach(ctx context.Context, groupID int64, ids []string) ([]model.Post, error) {
	results := workpool.Run(ctx, f.opts.Concurrency, ids, func(ctx context.Context, id string) (*model.Post, error) {
		return f.FetchPost(ctx, groupID, id)
	})

	posts := make([]model.Post, 0, len(ids))
	var firstErr error
	for r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		posts = append(posts, *r.Value)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return posts, nil
}

// FetchPost fetches a single post by its remote id.
func (f *Fetcher) FetchPost(ctx context.Context, groupID int64, postID string) (*model.Post, error) {
	params := url.Values{}
	params.Set("fields", f.postFields())
	var p model.Post
	if err := f.get(ctx, groupID, f.endpoint(url.PathEscape(postID), params), &p); err != nil {
		return nil, err
	}
	p.Group = groupID
	return &p, nil
}

// ListGroups returns every group visible to the access token.
func (f *Fetcher) ListGroups(ctx context.Context) ([]RemoteGroup, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(f.opts.GroupLimit))
	params.Set("fields", f.opts.GroupFields)
	first := f.endpoint("me/groups", params)
	return fetchPages[RemoteGroup](ctx, f, 0, first, f.opts.GroupLimit)
}

// mergePosts combines the feed with refetched posts; a refetched copy
// replaces a feed copy with the same id.
func mergePosts(groupID int64, feed, refetched []model.Post) []model.Post {
	out := make([]model.Post, 0, len(feed)+len(refetched))
	seen := make(map[string]int, len(feed)+len(refetched))
	for _, list := range [][]model.Post{feed, refetched} {
		for _, p := range list {
			p.Group = groupID
			if i, ok := seen[p.ID]; ok {
				out[i] = p
				continue
			}
			seen[p.ID] = len(out)
			out = append(out, p)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// redact drops the access token from a query for error messages and logs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Del("access_token")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
