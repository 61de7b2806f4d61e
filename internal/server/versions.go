package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/studio"
	"github.com/tattester/forgectl/internal/version"
)

// versionRoutes mounts the version history of a session. If-Match and ETag on these
// routes carry the revision of the version history, not of the workspace.
func (s *Server) versionRoutes(r chi.Router) {
	r.Get("/timeline", s.handleTimeline)
	r.Route("/versions", func(r chi.Router) {
		r.Get("/", s.handleListVersions)
		r.Post("/", s.handleSaveVersion)
		r.Delete("/", s.handleClearVersions)
		r.Get("/compare", s.handleCompare)
		r.Post("/merge", s.handleMerge)
		r.Route("/{versionID}", func(r chi.Router) {
			r.Get("/", s.handleGetVersion)
			r.Delete("/", s.handleDeleteVersion)
			r.Post("/favorite", s.handleFavorite)
			r.Post("/branch", s.handleBranch)
			r.Post("/checkout", s.handleCheckout)
		})
	})
}

func versionID(r *http.Request) string {
	return chi.URLParam(r, "versionID")
}

// writeOptions turns If-Match into a revision guard on the version history.
func writeOptions(r *http.Request) ([]version.WriteOption, error) {
	expect, err := expectedRevision(r)
	if err != nil {
		return nil, err
	}
	if expect == studio.AnyRevision {
		return nil, nil
	}
	return []version.WriteOption{version.IfRevision(expect)}, nil
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Versions.Load(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, h.Revision)
	writeJSON(w, http.StatusOK, h.Versions)
}

func (s *Server) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	var req studio.SaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.svc.SaveVersion(r.Context(), sessionID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleClearVersions(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Versions.Clear(r.Context(), sessionID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, ok, err := s.svc.Versions.Get(r.Context(), sessionID(r), versionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, studio.ErrVersionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	opts, err := writeOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	remaining, err := s.svc.Versions.Delete(r.Context(), sessionID(r), versionID(r), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remaining)
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	opts, err := writeOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, ok, err := s.svc.Versions.ToggleFavorite(r.Context(), sessionID(r), versionID(r), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, studio.ErrVersionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.svc.Versions.Branch(r.Context(), sessionID(r), versionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, studio.ErrVersionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// checkoutRequest loads a version into a workspace. Target defaults to the session
// in the URL; If-Match guards the target workspace revision.
type checkoutRequest struct {
	Target string `json:"target,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	expect, err := expectedRevision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	target := req.Target
	if target == "" {
		target = sessionID(r)
	}
	ws, err := s.svc.Checkout(r.Context(), target, sessionID(r), versionID(r), expect)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := q.Get("a"), q.Get("b")
	if a == "" || b == "" {
		s.fail(w, r, &layer.ValidationError{Field: "a,b", Reason: "both version ids are required"})
		return
	}
	c, ok, err := s.svc.Versions.Compare(r.Context(), sessionID(r), a, b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, studio.ErrVersionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type mergeRequest struct {
	Version1 string               `json:"version1"`
	Version2 string               `json:"version2"`
	Options  version.MergeOptions `json:"options"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := writeOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, ok, err := s.svc.Versions.Merge(r.Context(), sessionID(r), req.Version1, req.Version2, req.Options, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, studio.ErrVersionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Versions.Timeline(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
