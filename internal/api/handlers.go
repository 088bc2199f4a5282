package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleet-compiler/internal/approval"
	"fleet-compiler/internal/audit"
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/compiler"
	"fleet-compiler/internal/models"
)

const maxBodyBytes = 1 << 20

type compileRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type templateSummary struct {
	ID             string   `json:"id"`
	Description    string   `json:"description,omitempty"`
	Intent         string   `json:"intent"`
	Method         string   `json:"method"`
	Endpoint       string   `json:"endpoint"`
	Priority       int      `json:"priority"`
	RequiredFields []string `json:"required_fields"`
	ResolvedFrom   []string `json:"resolved_from,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	var body compileRequest
	if err := decode(r, &body); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	result, err := s.deps.Compiler.Compile(r.Context(), compiler.Request{
		Text:      body.Text,
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Source:    models.SourceCommand,
	})
	s.writeResult(w, r, result, err)
}

func (s *Server) compileEmail(w http.ResponseWriter, r *http.Request) {
	var req compiler.EmailRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "message/rfc822") || strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.errs.HandleHTTPError(w, r, apperrors.NewInvalidInputError(err.Error()))
			return
		}
		req = compiler.EmailRequest{
			Raw:       string(raw),
			SessionID: r.URL.Query().Get("session_id"),
			UserID:    r.URL.Query().Get("user_id"),
		}
	} else if err := decode(r, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}

	result, err := s.deps.Compiler.CompileEmail(r.Context(), req)
	s.writeResult(w, r, result, err)
}

// writeResult sends the compile result. Failures carry the result as well so
// callers can see how far the request got.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, result *compiler.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if result == nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	code := apperrors.CodeOf(err)
	s.logger.Warn("compile failed", map[string]interface{}{
		"requestId":        middleware.GetReqID(r.Context()),
		"interpretationId": result.Interpretation.ID,
		"errorCode":        string(code),
	})
	writeJSON(w, apperrors.StatusCode(code), result)
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	view, ok := s.deps.Approvals.Pending(chi.URLParam(r, "session"))
	if !ok {
		s.errs.HandleHTTPError(w, r, apperrors.NewApprovalStateError("no pending interpretation for session"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var in approval.DecisionInput
	if err := decode(r, &in); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	out, err := s.deps.Approvals.Decide(r.Context(), chi.URLParam(r, "session"), in)
	if err != nil && out == nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, apperrors.StatusCode(apperrors.CodeOf(err)), map[string]interface{}{
			"outcome": out,
			"error":   asStandard(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Recorder.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	var list []*models.Template
	if intent := r.URL.Query().Get("intent"); intent != "" {
		list = s.deps.Templates.ByIntent(intent)
	} else {
		list = s.deps.Templates.List()
	}
	out := make([]templateSummary, 0, len(list))
	for _, t := range list {
		out = append(out, templateSummary{
			ID:             t.ID,
			Description:    t.Description,
			Intent:         t.Intent,
			Method:         t.Method,
			Endpoint:       t.Endpoint,
			Priority:       t.Priority,
			RequiredFields: t.RequiredFields,
			ResolvedFrom:   t.ResolvedFrom,
			Tags:           t.Tags,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": out})
}

func (s *Server) reloadTemplates(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Templates.Reload(); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reloaded": true, "templates": len(s.deps.Templates.List())})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.NewInvalidInputError("malformed JSON body: " + err.Error())
	}
	return nil
}

func asStandard(err error) *apperrors.StandardError {
	if stdErr, ok := apperrors.As(err); ok {
		return stdErr
	}
	return apperrors.WithStage(err, "")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
