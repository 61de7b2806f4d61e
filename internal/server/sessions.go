package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/engine"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/studio"
)

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if category := r.URL.Query().Get("category"); category != "" {
		writeJSON(w, http.StatusOK, canvas.ByCategory(category))
		return
	}
	writeJSON(w, http.StatusOK, canvas.Presets())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Workspaces.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	BodyPart  string `json:"bodyPart,omitempty"`
	LongSide  int    `json:"longSide,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	c := s.svc.Workspaces.DefaultCanvas()
	if req.BodyPart != "" || req.LongSide > 0 {
		longSide := req.LongSide
		if longSide <= 0 {
			longSide = s.svc.Config.Canvas.LongSide
		}
		resolved, err := canvas.Resolve(req.BodyPart, longSide)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		c = resolved
	}
	ws, err := s.svc.Create(r.Context(), req.SessionID, c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ws, ok, err := s.svc.Workspaces.Load(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, &state.NotFoundError{SessionID: sessionID(r)})
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), sessionID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type canvasRequest struct {
	BodyPart string `json:"bodyPart"`
	LongSide int    `json:"longSide,omitempty"`
}

func (s *Server) handleSetCanvas(w http.ResponseWriter, r *http.Request) {
	expect, err := expectedRevision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req canvasRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.svc.SetCanvas(r.Context(), sessionID(r), req.BodyPart, req.LongSide, expect)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, s.svc.Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, s.svc.Redo)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, step func(ctx context.Context, sessionID string, expect int64) (state.Workspace, error)) {
	expect, err := expectedRevision(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := step(r.Context(), sessionID(r), expect)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRevision(w, ws.Revision)
	writeJSON(w, http.StatusOK, ws)
}

// handleRender serves the flattened design. Query: format, quality, width, height,
// and comma-separated only/skip layer ids.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := studio.RenderRequest{
		Width:   queryInt(r, "width", 0),
		Height:  queryInt(r, "height", 0),
		Quality: queryFloat(r, "quality", 0),
		Only:    splitList(q.Get("only")),
		Skip:    splitList(q.Get("skip")),
	}
	if raw := q.Get("format"); raw != "" {
		format, err := engine.ParseFormat(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		req.Format = format
	}
	data, f, err := s.svc.Render(r.Context(), sessionID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.MediaType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleExportAR(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.ExportAR(r.Context(), sessionID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", engine.FormatPNG.MediaType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
