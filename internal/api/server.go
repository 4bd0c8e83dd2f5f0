// Package api exposes the archive over HTTP: group and post lookups, the
// activity index, pass triggers and an RSS feed per group.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"forum_archive/internal/archive"
	"forum_archive/internal/model"
	"forum_archive/internal/storage"
)

// Groups is the group registry as seen by the API.
type Groups interface {
	List() []model.Group
	Resolve(idOrKey string) (model.Group, error)
	PostCount(ctx context.Context, id int64) (int, error)
	Discover(ctx context.Context, publicOnly bool, nameFilter string) ([]model.Group, error)
}

// Archive reads archived posts.
type Archive interface {
	ListPosts(ctx context.Context, groupID int64) ([]archive.Entry, error)
	GetPost(ctx context.Context, groupID, postID int64) (*model.Post, error)
}

// Archiver runs archive passes.
type Archiver interface {
	ArchiveGroup(ctx context.Context, idOrKey string) (model.Group, error)
}

// Indexer runs index passes.
type Indexer interface {
	IndexGroup(ctx context.Context, idOrKey string) (model.Group, error)
}

// Deps bundles the components the server reads from and triggers.
type Deps struct {
	Groups   Groups
	Archive  Archive
	Archiver Archiver
	Indexer  Indexer
	Sink     storage.Sink
}

// Options configures the server.
type Options struct {
	Addr string
	// PublicOnly and NameFilter are the discovery defaults when a request
	// does not override them.
	PublicOnly bool
	NameFilter string
	// FeedSize caps the number of items in a group feed.
	FeedSize int
}

// Server is the HTTP front end.
type Server struct {
	HTTPServer *http.Server

	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New builds the router and the underlying http.Server.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.FeedSize < 1 {
		opts.FeedSize = 50
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Post("/discover", s.discoverGroups)
			r.Get("/{group}", s.getGroup)
			r.Post("/{group}/archive", s.archiveGroup)
			r.Post("/{group}/index", s.indexGroup)
			r.Get("/{group}/{post}", s.getPost)
		})
		r.Get("/activity", s.listActivity)
		r.Get("/activity/{id}", s.getActivity)
	})

	r.Get("/feed/{group}", s.groupFeed)

	s.HTTPServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.HTTPServer.Handler
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.opts.Addr)
	if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.HTTPServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var remote *model.RemoteFetchError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
