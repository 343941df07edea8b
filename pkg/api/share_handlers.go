package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/overrides"
)

type createShareRequest struct {
	UserID   string `json:"user_id"`
	Level    string `json:"level"`
	CanShare bool   `json:"can_share"`
}

// createShare grants a per-user access-level override on a report or sample.
// Re-sharing with the same user replaces the level.
func (s *Server) createShare(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	vars := mux.Vars(r)
	rt := authz.ResourceType(vars["type"])
	resourceID := vars["id"]

	var req createShareRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}

	override := &overrides.AccessOverride{
		ResourceType: rt,
		ResourceID:   resourceID,
		UserID:       req.UserID,
		Level:        authz.AccessLevel(req.Level),
		CanShare:     req.CanShare,
		GrantedBy:    principal.ID,
	}
	id, err := s.overrides.Grant(r.Context(), override)
	if err != nil {
		httputil.WriteCheckError(w, err)
		return
	}
	override.ID = id

	s.recordShareEvent(r, audit.SecurityOverrideGranted, override)
	s.recordAction(r, audit.ActionShare, string(rt), resourceID, audit.OutcomeSuccess, "override granted")

	httputil.WriteCreated(w, override)
}

// listShares returns every override on a resource
func (s *Server) listShares(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	list, err := s.overrides.ListForResource(r.Context(), authz.ResourceType(vars["type"]), vars["id"])
	if err != nil {
		s.internalError(w, r, "failed to list overrides", err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// revokeShare removes a user's override. Revoking an absent override
// succeeds quietly.
func (s *Server) revokeShare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rt := authz.ResourceType(vars["type"])
	resourceID := vars["id"]
	userID := vars["userId"]

	if err := s.overrides.Revoke(r.Context(), rt, resourceID, userID); err != nil {
		s.internalError(w, r, "failed to revoke override", err)
		return
	}

	s.recordShareEvent(r, audit.SecurityOverrideRevoked, &overrides.AccessOverride{
		ResourceType: rt,
		ResourceID:   resourceID,
		UserID:       userID,
	})
	httputil.WriteNoContent(w)
}

func (s *Server) recordShareEvent(r *http.Request, event audit.SecurityEvent, o *overrides.AccessOverride) {
	principal := middleware.GetPrincipal(r)

	entry := audit.NewSecurityEntry(event)
	entry.ActorID = principal.ID
	entry.ActorOrgID = principal.OrgID
	entry.IPAddress = audit.GetClientIP(r)
	entry.Details["resource_type"] = string(o.ResourceType)
	entry.Details["resource_id"] = o.ResourceID
	entry.Details["user_id"] = o.UserID
	if o.Level != "" {
		entry.Details["level"] = string(o.Level)
	}
	_ = s.auditor.LogSecurity(r.Context(), entry)
}
