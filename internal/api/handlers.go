package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"forum_archive/internal/model"
	"forum_archive/internal/storage"
)

const (
	defaultTop = 100
	maxTop     = 1000
)

type groupView struct {
	model.Group
	PostCount     int `json:"postCount"`
	ActivityCount int `json:"activityCount"`
}

type activityPage struct {
	Value []model.Activity `json:"value"`
	Skip  int              `json:"skip"`
	Top   int              `json:"top"`
}

type discoverRequest struct {
	PublicOnly *bool   `json:"publicOnly"`
	Filter     *string `json:"filter"`
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Groups.List())
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Resolve(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	posts, err := s.deps.Groups.PostCount(r.Context(), g.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	activity, err := s.deps.Sink.CountActivities(r.Context(), g.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groupView{Group: g, PostCount: posts, ActivityCount: activity})
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Resolve(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	postID, err := strconv.ParseInt(chi.URLParam(r, "post"), 10, 64)
	if err != nil {
		badRequest(w, "post id must be numeric")
		return
	}
	post, err := s.deps.Archive.GetPost(r.Context(), g.ID, postID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) archiveGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Archiver.ArchiveGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) indexGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Indexer.IndexGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) discoverGroups(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	publicOnly, filter := s.opts.PublicOnly, s.opts.NameFilter
	if req.PublicOnly != nil {
		publicOnly = *req.PublicOnly
	}
	if req.Filter != nil {
		filter = *req.Filter
	}

	groups, err := s.deps.Groups.Discover(r.Context(), publicOnly, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseActivityQuery(r)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, r, err)
			return
		}
		badRequest(w, err.Error())
		return
	}
	records, err := s.deps.Sink.ListActivities(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.Activity{}
	}
	writeJSON(w, http.StatusOK, activityPage{Value: records, Skip: q.Skip, Top: q.Top})
}

type queryError string

func (e queryError) Error() string { return string(e) }

func (s *Server) parseActivityQuery(r *http.Request) (storage.ActivityQuery, error) {
	params := r.URL.Query()
	q := storage.ActivityQuery{Top: defaultTop}

	if v := params.Get("group"); v != "" {
		g, err := s.deps.Groups.Resolve(v)
		if err != nil {
			return q, err
		}
		q.GroupID = g.ID
	}
	if v := params.Get("post"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return q, queryError("post must be numeric")
		}
		q.PostID = id
	}
	if v := params.Get("type"); v != "" {
		t, ok := model.ParseObjectType(v)
		if !ok {
			return q, queryError("type must be post or comment")
		}
		q.Type = &t
	}
	if v := params.Get("since"); v != "" {
		t, err := model.ParseTime(v)
		if err != nil {
			return q, queryError("since must be a timestamp")
		}
		q.Since = &t
	}
	if v := params.Get("$skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, queryError("$skip must be a non-negative integer")
		}
		q.Skip = n
	}
	if v := params.Get("$top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, queryError("$top must be a positive integer")
		}
		q.Top = min(n, maxTop)
	}
	return q, nil
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "activity id must be numeric")
		return
	}
	a, err := s.deps.Sink.GetActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
