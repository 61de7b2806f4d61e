package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/state"
)

func (s *Server) layerRoutes(r chi.Router) {
	r.Route("/layers", func(r chi.Router) {
		r.Get("/", s.handleListLayers)
		r.Post("/", s.handleAddLayer)
		r.Post("/reorder", s.handleReorder)
		r.Route("/{layerID}", func(r chi.Router) {
			r.Get("/", s.handleGetLayer)
			r.Patch("/", s.handlePatchLayer)
			r.Delete("/", s.handleRemoveLayer)
			r.Post("/duplicate", s.handleDuplicate)
			r.Post("/select", s.layerOp(func(ls *layer.Store, id string) error { return ls.Select(id) }))
			r.Post("/front", s.layerOp(func(ls *layer.Store, id string) error { return ls.MoveToFront(id) }))
			r.Post("/back", s.layerOp(func(ls *layer.Store, id string) error { return ls.MoveToBack(id) }))
			r.Post("/visibility", s.layerOp(func(ls *layer.Store, id string) error {
				_, err := ls.ToggleVisibility(id)
				return err
			}))
			r.Post("/flip-horizontal", s.layerOp(func(ls *layer.Store, id string) error {
				_, err := ls.FlipHorizontal(id)
				return err
			}))
			r.Post("/flip-vertical", s.layerOp(func(ls *layer.Store, id string) error {
				_, err := ls.FlipVertical(id)
				return err
			}))
		})
	})
}

// edit runs fn against the session named in the URL, honouring If-Match, and
// writes the saved workspace.
func (s *Server) edit(w http.ResponseWriter, r *http.Request, code int, fn func(ls *layer.Store, ws *state.Workspace) error) {
	expect, err := expectedRevision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.svc.Edit(r.Context(), sessionID(r), expect, fn)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, code, ws)
}

func (s *Server) layerOp(op func(ls *layer.Store, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "layerID")
		s.edit(w, r, http.StatusOK, func(ls *layer.Store, _ *state.Workspace) error {
			return op(ls, id)
		})
	}
}

func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	ws, err := s.svc.View(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusOK, layer.Sorted(ws.Layers))
}

func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	ws, err := s.svc.View(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "layerID")
	for _, l := range ws.Layers {
		if l.ID == id {
			setRevision(w, ws.Revision)
			writeJSON(w, http.StatusOK, l)
			return
		}
	}
	s.fail(w, r, layer.ErrLayerNotFound)
}

type addLayerRequest struct {
	ImageURL string `json:"imageUrl"`
	Type     string `json:"type"`
}

func (s *Server) handleAddLayer(w http.ResponseWriter, r *http.Request) {
	var req addLayerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = string(layer.TypeSubject)
	}
	typ, err := layer.ParseType(req.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.edit(w, r, http.StatusCreated, func(ls *layer.Store, _ *state.Workspace) error {
		_, err := ls.Add(req.ImageURL, typ)
		return err
	})
}

type reorderRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.edit(w, r, http.StatusOK, func(ls *layer.Store, _ *state.Workspace) error {
		return ls.Reorder(req.From, req.To)
	})
}

// patchLayerRequest updates several fields at once. Transform is merged into the
// current transform; Commit false applies a transform without an undo entry, as a
// drag in progress would.
type patchLayerRequest struct {
	Name      *string               `json:"name,omitempty"`
	ImageURL  *string               `json:"imageUrl,omitempty"`
	BlendMode *string               `json:"blendMode,omitempty"`
	Visible   *bool                 `json:"visible,omitempty"`
	Transform *layer.TransformPatch `json:"transform,omitempty"`
	Commit    *bool                 `json:"commit,omitempty"`
}

func (s *Server) handlePatchLayer(w http.ResponseWriter, r *http.Request) {
	var req patchLayerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var mode layer.BlendMode
	if req.BlendMode != nil {
		m, err := layer.ParseBlendMode(*req.BlendMode)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		mode = m
	}
	id := chi.URLParam(r, "layerID")
	s.edit(w, r, http.StatusOK, func(ls *layer.Store, _ *state.Workspace) error {
		current, ok := ls.Get(id)
		if !ok {
			return layer.ErrLayerNotFound
		}
		if req.Name != nil {
			if _, err := ls.Rename(id, *req.Name); err != nil {
				return err
			}
		}
		if req.ImageURL != nil {
			if _, err := ls.UpdateImage(id, *req.ImageURL); err != nil {
				return err
			}
		}
		if req.BlendMode != nil {
			if _, err := ls.UpdateBlendMode(id, mode); err != nil {
				return err
			}
		}
		if req.Visible != nil && *req.Visible != current.Visible {
			if _, err := ls.ToggleVisibility(id); err != nil {
				return err
			}
		}
		if req.Transform != nil && !req.Transform.Empty() {
			var opts []layer.MutationOption
			if req.Commit != nil && !*req.Commit {
				opts = append(opts, layer.WithoutHistory())
			}
			if _, err := ls.UpdateTransform(id, *req.Transform, opts...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Server) handleRemoveLayer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "layerID")
	s.edit(w, r, http.StatusOK, func(ls *layer.Store, _ *state.Workspace) error {
		return ls.Remove(id)
	})
}

func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "layerID")
	s.edit(w, r, http.StatusCreated, func(ls *layer.Store, _ *state.Workspace) error {
		if _, ok := ls.Duplicate(id); !ok {
			return layer.ErrLayerNotFound
		}
		return nil
	})
}
