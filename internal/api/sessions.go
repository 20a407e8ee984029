package api

import (
	"net/http"

	"github.com/banshee-data/route.report/internal/httputil"
)

func (s *Server) processSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.processor.ProcessSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, session)
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	audits, err := s.store.ListAudits(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, audits)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListGeofenceEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	violations, err := s.store.ListSpeedViolations(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSONOK(w, violations)
}
