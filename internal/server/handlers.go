package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"scenegrouper/internal/analysis"
	"scenegrouper/internal/models"
	"scenegrouper/internal/state"
	"scenegrouper/internal/vision"
)

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type keywordsRequest struct {
	ClusterID string   `json:"clusterId" validate:"required"`
	Keywords  []string `json:"keywords" validate:"max=200"`
}

type keywordRequest struct {
	ClusterID string `json:"clusterId" validate:"required"`
	Keyword   string `json:"keyword" validate:"required,max=100"`
}

type renameKeywordRequest struct {
	ClusterID string `json:"clusterId" validate:"required"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required,max=100"`
}

type gpsRequest struct {
	ClusterID string `json:"clusterId" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type clusterRequest struct {
	ClusterID string `json:"clusterId" validate:"required"`
}

type promptRequest struct {
	Prompt string `json:"prompt" validate:"max=8000"`
}

type mergeRequest struct {
	SourceGroupID string `json:"sourceGroupId" validate:"required"`
}

type regroupRequest struct {
	Threshold *int `json:"threshold" validate:"omitempty,min=0,max=256"`
}

type analyzeResponse struct {
	GroupID    string                 `json:"groupId"`
	StoredAs   string                 `json:"storedAs,omitempty"`
	MainRep    string                 `json:"mainRep"`
	Result     *models.AnalysisResult `json:"result,omitempty"`
	Discarded  bool                   `json:"discarded"`
	DurationMs int64                  `json:"durationMs"`
}

func (s *Server) handleClusters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Clusters())
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Groups())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	s.writeGroup(w, chi.URLParam(r, "groupID"))
}

func (s *Server) handleSetKeywords(w http.ResponseWriter, r *http.Request) {
	var req keywordsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondCluster(w, req.ClusterID, s.store.SetKeywords(req.ClusterID, req.Keywords))
}

func (s *Server) handleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondCluster(w, req.ClusterID, s.store.AddKeyword(req.ClusterID, req.Keyword))
}

func (s *Server) handleRemoveKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondCluster(w, req.ClusterID, s.store.RemoveKeyword(req.ClusterID, req.Keyword))
}

func (s *Server) handleRenameKeyword(w http.ResponseWriter, r *http.Request) {
	var req renameKeywordRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondCluster(w, req.ClusterID, s.store.RenameKeyword(req.ClusterID, req.From, req.To))
}

func (s *Server) handleSetGPS(w http.ResponseWriter, r *http.Request) {
	var req gpsRequest
	if !s.decode(w, r, &req) {
		return
	}
	_, err := s.store.SetGPS(req.ClusterID, req.Value)
	s.respondCluster(w, req.ClusterID, err)
}

func (s *Server) handleClearGPS(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondCluster(w, req.ClusterID, s.store.ClearGPS(req.ClusterID))
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "groupID")
	s.respondGroup(w, id, s.store.SetCustomPrompt(id, req.Prompt))
}

func (s *Server) handleClearPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupID")
	s.respondGroup(w, id, s.store.ClearCustomPrompt(id))
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.store.ExtractToNewParent(chi.URLParam(r, "groupID"), req.ClusterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.store.MergeGroups(chi.URLParam(r, "groupID"), req.SourceGroupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRegroup(w http.ResponseWriter, r *http.Request) {
	var req regroupRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	threshold := s.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if err := s.store.Regroup(threshold, s.matcherOpts...); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Groups())
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "analysis is not configured"})
		return
	}
	report, err := s.analyzer.AnalyzeGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		GroupID:    report.GroupID,
		StoredAs:   report.StoredAs,
		MainRep:    report.MainRep,
		Result:     report.Result,
		Discarded:  report.Discarded,
		DurationMs: report.Duration.Milliseconds(),
	})
}

// handlePreview serves the cached preview of a known image. Paths outside
// the loaded clusters are refused.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path required"})
		return
	}

	var preview string
	for _, c := range s.store.Clusters() {
		if c.ID() == path || lo.Contains(c.ImagePaths, path) {
			preview = c.PreviewPath
			break
		}
	}
	if preview == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no preview for " + path})
		return
	}
	if _, err := os.Stat(preview); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "preview missing"})
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeFile(w, r, preview)
}

func (s *Server) respondCluster(w http.ResponseWriter, id string, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.store.Cluster(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) respondGroup(w http.ResponseWriter, id string, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeGroup(w, id)
}

func (s *Server) writeGroup(w http.ResponseWriter, id string) {
	g, err := s.store.Group(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// decode reads and validates a JSON body, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrGroupNotFound),
		errors.Is(err, state.ErrClusterNotFound),
		errors.Is(err, state.ErrKeywordNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrDuplicateKeyword):
		return http.StatusConflict
	case errors.Is(err, state.ErrInvalidGPS),
		errors.Is(err, state.ErrEmptyKeyword),
		errors.Is(err, state.ErrNotSimilarMember),
		errors.Is(err, state.ErrSameGroup):
		return http.StatusBadRequest
	case errors.Is(err, vision.ErrModelTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, vision.ErrModelAuth),
		errors.Is(err, vision.ErrModelUnavailable),
		errors.Is(err, analysis.ErrModelBadJSON):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
