package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/codefionn/umleitung/umleitung-srv/rules"
)

type idRequest struct {
	ID string `json:"id"`
}

func (req idRequest) valid(w http.ResponseWriter) bool {
	if strings.TrimSpace(req.ID) == "" {
		writeValidation(w, "id must not be empty", nil)
		return false
	}
	return true
}

type updateContentRequest struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type updateNameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type updateStatusRequest struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleRuleGroups(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.deps.Store.Groups())
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r, "id")
	if !ok {
		return
	}
	rule, err := s.deps.Store.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, rule)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	rule, err := rules.DecodeRule(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.deps.Store.Create(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, created)
}

// handleUpdateRule replaces all editable fields of the rule named by the
// body's id.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	rule, err := rules.DecodeRule(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !(idRequest{ID: rule.ID}).valid(w) {
		return
	}
	updated, err := s.deps.Store.Update(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var req updateContentRequest
	if !decodeBody(w, r, &req) || !(idRequest{ID: req.ID}).valid(w) {
		return
	}
	if len(req.Content) == 0 {
		writeValidation(w, "content must be set", nil)
		return
	}
	content, err := rules.DecodeContent(req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.deps.Store.UpdateContent(r.Context(), req.ID, content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handleUpdateName(w http.ResponseWriter, r *http.Request) {
	var req updateNameRequest
	if !decodeBody(w, r, &req) || !(idRequest{ID: req.ID}).valid(w) {
		return
	}
	updated, err := s.deps.Store.UpdateName(r.Context(), req.ID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeBody(w, r, &req) || !(idRequest{ID: req.ID}).valid(w) {
		return
	}
	if req.Enabled == nil {
		writeValidation(w, "enabled must be set", nil)
		return
	}
	updated, err := s.deps.Store.SetEnabled(r.Context(), req.ID, *req.Enabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeBody(w, r, &req) || !req.valid(w) {
		return
	}
	if err := s.deps.Store.Delete(r.Context(), req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// handleExport returns the bundle inside the envelope, or as a plain JSON
// attachment with ?download=true.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	bundle := s.deps.Store.Export()
	if r.URL.Query().Get("download") != "true" {
		writeOK(w, bundle)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="umleitung-rules.json"`)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(bundle)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	bundle, err := rules.DecodeBundle(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	imported, err := s.deps.Store.Import(r.Context(), bundle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, imported)
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, rules.Schema())
}
