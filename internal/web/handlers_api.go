package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
)

const maxBodyBytes = 1 << 20

// apiError is the JSON body of every failed API call.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "InvalidZone", "InvalidParameter", "DuplicateButton":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "NotLearned", "AlreadyLearning", "InvalidState":
		return http.StatusConflict
	case "UnsupportedOperation":
		return http.StatusUnprocessableEntity
	case "Busy":
		return http.StatusTooManyRequests
	case "ConnectionLost":
		return http.StatusServiceUnavailable
	case "Timeout":
		return http.StatusGatewayTimeout
	case "ProtocolError":
		return http.StatusBadGateway
	case "Canceled":
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := av.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	}
	s.writeJSON(w, status, apiError{Error: err.Error(), Kind: kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, av.ErrInvalidParameter)
	}
	return nil
}

func zoneParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "zone")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("zone %q: %w", raw, av.ErrInvalidZone)
	}
	return n, nil
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, d := range s.ctl.Devices() {
		if d.ID == id {
			s.writeJSON(w, http.StatusOK, d)
			return
		}
	}
	s.writeError(w, r, fmt.Errorf("device %s: %w", id, av.ErrNotFound))
}

func (s *Server) handleAPIListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.ctl.Zones(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleAPIGetZone(w http.ResponseWriter, r *http.Request) {
	zone, err := zoneParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	z, err := s.ctl.Zone(chi.URLParam(r, "id"), zone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, z)
}

// executeRequest is the body of a zone command.
type executeRequest struct {
	Action av.Action `json:"action"`
	av.Params
}

func (s *Server) handleAPIExecute(w http.ResponseWriter, r *http.Request) {
	zone, err := zoneParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	z, err := s.ctl.Execute(r.Context(), chi.URLParam(r, "id"), zone, req.Action, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleAPIQueryStatus(w http.ResponseWriter, r *http.Request) {
	zones, err := s.ctl.QueryStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleAPILearnStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctl.LearnStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPIStartLearn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID string `json:"profile_id"`
		Button    string `json:"button"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.ctl.StartLearn(r.Context(), chi.URLParam(r, "id"), req.ProfileID, req.Button)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess)
}

// handleAPIWaitCapture blocks until the session leaves the capture phases.
// A failed session is reported as its error with the session attached.
func (s *Server) handleAPIWaitCapture(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctl.WaitCapture(r.Context(), chi.URLParam(r, "id"))
	if err != nil && sess.ID == "" {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		kind := av.KindOf(err)
		s.writeJSON(w, statusFor(kind), map[string]any{"error": err.Error(), "kind": kind, "session": sess})
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPITestCandidate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctl.TestCandidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPICommit(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.ctl.Commit(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleAPICancelLearn(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.CancelLearn(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.ctl.Profiles()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleAPIGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Profile(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIListCodes(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.ctl.Codes(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleAPISaveCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     []byte `json:"code"`
		Verified bool   `json:"verified"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd := ircode.Command{
		ProfileID: chi.URLParam(r, "id"),
		Button:    chi.URLParam(r, "button"),
		Code:      req.Code,
		Verified:  req.Verified,
	}
	if err := s.ctl.SaveCode(cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIDeleteCode(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.DeleteCode(chi.URLParam(r, "id"), chi.URLParam(r, "button")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIPlay(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Play(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "button")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIExportProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.ctl.ExportProfile(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".json"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("export write", "profile", id, "err", err)
	}
}

func (s *Server) handleAPIImportProfile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, fmt.Errorf("document exceeds %d bytes: %w", tooBig.Limit, av.ErrInvalidParameter))
			return
		}
		s.writeError(w, r, err)
		return
	}
	p, err := s.ctl.ImportProfile(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}
