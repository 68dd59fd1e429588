package api

import (
	"encoding/json"
	"net/http"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

type recordStatusRequest struct {
	Recording *bool `json:"recording"`
}

type caResponse struct {
	Certificate string `json:"certificate"`
	Subject     string `json:"subject"`
	NotAfter    string `json:"notAfter"`
}

func (s *Server) handleGetAppConfig(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.deps.Settings.Get())
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	var req recordStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Recording == nil {
		writeValidation(w, "recording must be set", nil)
		return
	}
	cfg := s.deps.Settings.SetRecording(*req.Recording)
	logger.Info("Recording %s", enabledString(cfg.Recording))
	writeOK(w, cfg)
}

// handleUpdateAppConfig applies the fields present in the body on top of
// the current settings.
func (s *Server) handleUpdateAppConfig(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	next := s.deps.Settings.Get()
	if err := json.Unmarshal(data, &next); err != nil {
		writeValidation(w, "malformed app config: "+err.Error(), nil)
		return
	}
	if err := s.deps.Settings.Replace(next); err != nil {
		writeValidation(w, err.Error(), nil)
		return
	}
	logger.Info("App config updated")
	writeOK(w, s.deps.Settings.Get())
}

func (s *Server) handleCADownload(w http.ResponseWriter, _ *http.Request) {
	if s.deps.CA == nil {
		writeEnvelope(w, http.StatusNotFound, CodeOperationError, "TLS interception is not configured", nil)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="umleitung-ca.pem"`)
	_, _ = w.Write(s.deps.CA.CertPEM())
}

func (s *Server) handleCARotate(w http.ResponseWriter, r *http.Request) {
	if s.deps.CA == nil {
		writeEnvelope(w, http.StatusNotFound, CodeOperationError, "TLS interception is not configured", nil)
		return
	}
	if err := s.deps.CA.Rotate(); err != nil {
		writeError(w, r, err)
		return
	}
	cert := s.deps.CA.Certificate()
	writeOK(w, caResponse{
		Certificate: string(s.deps.CA.CertPEM()),
		Subject:     cert.Subject.String(),
		NotAfter:    cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
	})
}
