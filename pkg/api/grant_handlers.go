package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/grants"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
)

type createGrantRequest struct {
	GrantedToOrg string     `json:"granted_to_org"`
	Role         string     `json:"role"`
	Mode         string     `json:"mode"`
	CanReshare   bool       `json:"can_reshare"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// createGrant delegates access on an object to another organization. The
// route sits behind both the access guard and the re-share check, so the
// caller is either the owner or holds a re-sharable grant.
func (s *Server) createGrant(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	vars := mux.Vars(r)
	rt := authz.ResourceType(vars["type"])
	objectID := vars["id"]

	var req createGrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.GrantedToOrg, "granted_to_org") {
		return
	}

	role := authz.GrantRole(req.Role)
	if !role.Valid() {
		httputil.WriteValidationError(w, "unknown grant role")
		return
	}
	mode := grants.AccessMode(req.Mode)
	if mode == "" {
		mode = grants.ModePlatform
	}
	if !mode.Valid() {
		httputil.WriteValidationError(w, "unknown access mode")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteValidationError(w, "expires_at must be in the future")
		return
	}

	grant := &grants.AccessGrant{
		ObjectType:   rt,
		ObjectID:     objectID,
		GrantedToOrg: req.GrantedToOrg,
		Role:         role,
		Mode:         mode,
		CanReshare:   req.CanReshare,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    principal.ID,
	}
	if err := s.grants.Create(r.Context(), grant); err != nil {
		var conflict *grants.ConflictError
		if errors.As(err, &conflict) {
			httputil.WriteConflict(w, conflict.Error())
			return
		}
		s.internalError(w, r, "failed to create grant", err)
		return
	}

	if s.metrics != nil {
		s.metrics.GrantsCreatedTotal.WithLabelValues(string(role)).Inc()
	}
	s.recordGrantEvent(r, audit.SecurityGrantCreated, grant)
	s.recordAction(r, audit.ActionShare, string(rt), objectID, audit.OutcomeSuccess, "grant created")

	httputil.WriteCreated(w, grant)
}

// listGrants returns every grant row for an object, active or not
func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rt := authz.ResourceType(vars["type"])
	objectID := vars["id"]

	list, err := s.grants.ListForObject(r.Context(), rt, objectID)
	if err != nil {
		s.internalError(w, r, "failed to list grants", err)
		return
	}
	httputil.WriteSuccess(w, list)
}

type revokeGrantRequest struct {
	Reason string `json:"reason"`
}

// revokeGrant revokes a grant by id. Only the owning workspace of the
// granted object may revoke; the grant row survives for its audit value.
func (s *Server) revokeGrant(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	grantID := mux.Vars(r)["grantId"]

	grant, err := s.grants.Get(r.Context(), grantID)
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			httputil.WriteNotFoundError(w, "grant not found")
			return
		}
		s.internalError(w, r, "failed to load grant", err)
		return
	}

	ownerWorkspace, registered, err := s.resources.OwnerWorkspace(r.Context(), grant.ObjectType, grant.ObjectID)
	if err != nil {
		s.internalError(w, r, "failed to resolve object owner", err)
		return
	}
	if !registered || ownerWorkspace != principal.WorkspaceID {
		httputil.WriteDenied(w, "only the owning workspace can revoke a grant")
		return
	}

	var req revokeGrantRequest
	if r.Body != nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	if err := s.grants.Revoke(r.Context(), grantID, req.Reason, principal.ID); err != nil {
		s.internalError(w, r, "failed to revoke grant", err)
		return
	}

	if s.metrics != nil {
		s.metrics.GrantsRevokedTotal.Inc()
	}
	s.recordGrantEvent(r, audit.SecurityGrantRevoked, grant)

	httputil.WriteNoContent(w)
}

func (s *Server) recordGrantEvent(r *http.Request, event audit.SecurityEvent, grant *grants.AccessGrant) {
	principal := middleware.GetPrincipal(r)

	entry := audit.NewSecurityEntry(event)
	entry.ActorID = principal.ID
	entry.ActorOrgID = principal.OrgID
	entry.IPAddress = audit.GetClientIP(r)
	entry.Details["grant_id"] = grant.ID
	entry.Details["object_type"] = string(grant.ObjectType)
	entry.Details["object_id"] = grant.ObjectID
	entry.Details["granted_to_org"] = grant.GrantedToOrg
	entry.Details["role"] = string(grant.Role)
	_ = s.auditor.LogSecurity(r.Context(), entry)
}
