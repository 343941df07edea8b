package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/observability"
	"github.com/luminbio/labd/pkg/resources"
)

// getObject returns the registry record for a resource. The access guard has
// already admitted the caller by the time this runs.
func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rt := authz.ResourceType(vars["type"])
	id := vars["id"]

	resource, err := s.resources.Get(r.Context(), rt, id)
	if err != nil {
		s.internalError(w, r, "failed to load resource", err)
		return
	}
	if resource == nil {
		httputil.WriteNotFoundError(w, "resource not found")
		return
	}

	s.recordAction(r, audit.ActionRead, string(rt), id, audit.OutcomeSuccess, "")
	httputil.WriteSuccess(w, resource)
}

type registerResourceRequest struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
}

// registerResource records a newly created resource and its owning workspace.
// Ownership is immutable, so re-registering an id is a conflict.
func (s *Server) registerResource(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)

	var req registerResourceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ID, "id") {
		return
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = principal.WorkspaceID
	}
	if workspaceID != principal.WorkspaceID {
		httputil.WriteForbidden(w, "cannot register resources for another workspace")
		return
	}

	rt, err := authz.ParseResourceType(req.Type)
	if err != nil {
		httputil.WriteCheckError(w, err)
		return
	}

	resource := &resources.Resource{
		Type:        rt,
		ID:          req.ID,
		WorkspaceID: workspaceID,
		CreatedBy:   principal.ID,
	}
	if err := s.resources.Register(r.Context(), resource); err != nil {
		httputil.WriteConflict(w, "resource is already registered")
		return
	}

	s.recordAction(r, audit.ActionCreate, string(rt), req.ID, audit.OutcomeSuccess, "resource registered")
	httputil.WriteCreated(w, resource)
}

type checkAccessRequest struct {
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	ResourceID   string `json:"resource_id,omitempty"`
}

// checkAccess runs the project-scoped decision policy on behalf of a sibling
// service. The decision comes back as data; only malformed input is an HTTP
// error.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req checkAccessRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ProjectID, "project_id") {
		return
	}

	start := time.Now()
	decision, err := s.engine.CheckAccess(r.Context(), req.UserID, req.ProjectID,
		authz.ResourceType(req.ResourceType), authz.Action(req.Action), req.ResourceID)
	if err != nil {
		httputil.WriteCheckError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDecision("project_access", decision.Allowed, time.Since(start))
	}

	if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.DenialsTotal.WithLabelValues(req.ResourceType).Inc()
		}
		audit.AccessDenied(r.Context(), req.UserID, "", req.ResourceType, req.ResourceID,
			decision.Reason, audit.GetClientIP(r))
	}
	httputil.WriteSuccess(w, decision)
}

// recordAction emits an audit entry for a completed request. Failures are
// absorbed by the audit pipeline.
func (s *Server) recordAction(r *http.Request, action audit.Action, objectType, objectID string, outcome audit.Outcome, message string) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		return
	}

	entry := audit.NewEntry(objectType, objectID, action, outcome)
	entry.ActorID = principal.ID
	entry.ActorWorkspace = principal.WorkspaceID
	entry.ActorOrgID = principal.OrgID
	entry.IPAddress = audit.GetClientIP(r)
	entry.UserAgent = r.UserAgent()
	entry.RequestID = observability.GetRequestID(r.Context())
	entry.Message = message
	_ = s.auditor.Log(r.Context(), entry)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if s.logger != nil {
		s.logger.WithField("request_id", observability.GetRequestID(r.Context())).WithError(err).Error(message)
	}
	httputil.WriteInternalError(w)
}
