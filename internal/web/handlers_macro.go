package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

func (s *Server) handleAPIListMacros(w http.ResponseWriter, r *http.Request) {
	if s.macros == nil {
		s.writeJSON(w, http.StatusOK, []string{})
		return
	}
	names, err := s.macros.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleAPIRunMacro(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.macros == nil {
		s.writeError(w, r, fmt.Errorf("macros are disabled: %w", av.ErrUnsupportedOperation))
		return
	}
	if err := s.macros.Run(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("macro run", "name", name)
	s.writeOK(w)
}
