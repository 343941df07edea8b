package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/projects"
)

type assignTeamRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// assignTeamMember puts a user on a project team with a platform role.
// Assigning an existing member replaces their role. Only managers and above
// on the project (or the owning workspace's admins) may change the roster.
func (s *Server) assignTeamMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	projectID := mux.Vars(r)["projectId"]

	if !s.canManageTeam(w, r, principal, projectID) {
		return
	}

	var req assignTeamRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}

	assignment := &projects.TeamAssignment{
		ProjectID:  projectID,
		UserID:     req.UserID,
		Role:       authz.PlatformRole(req.Role),
		AssignedBy: principal.ID,
	}
	if err := s.teams.Assign(r.Context(), assignment); err != nil {
		httputil.WriteCheckError(w, err)
		return
	}

	s.recordAction(r, audit.ActionUpdate, string(authz.ResourceProject), projectID,
		audit.OutcomeSuccess, "team member assigned")
	httputil.WriteCreated(w, assignment)
}

// getTeamMember returns one user's assignment on a project
func (s *Server) getTeamMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	assignment, err := s.teams.Get(r.Context(), vars["projectId"], vars["userId"])
	if err != nil {
		s.internalError(w, r, "failed to load assignment", err)
		return
	}
	if assignment == nil {
		httputil.WriteNotFoundError(w, "user is not assigned to this project")
		return
	}
	httputil.WriteSuccess(w, assignment)
}

// listTeam returns the full roster of a project
func (s *Server) listTeam(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]

	team, err := s.teams.ListTeam(r.Context(), projectID)
	if err != nil {
		s.internalError(w, r, "failed to list team", err)
		return
	}
	httputil.WriteSuccess(w, team)
}

// removeTeamMember takes a user off a project team. Removing a user who is
// not on the team succeeds quietly.
func (s *Server) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	vars := mux.Vars(r)
	projectID := vars["projectId"]

	if !s.canManageTeam(w, r, principal, projectID) {
		return
	}

	if err := s.teams.Remove(r.Context(), projectID, vars["userId"]); err != nil {
		s.internalError(w, r, "failed to remove assignment", err)
		return
	}

	s.recordAction(r, audit.ActionUpdate, string(authz.ResourceProject), projectID,
		audit.OutcomeSuccess, "team member removed")
	httputil.WriteNoContent(w)
}

// canManageTeam admits platform admins and project managers. It writes the
// denial response itself and reports whether the caller may proceed.
func (s *Server) canManageTeam(w http.ResponseWriter, r *http.Request, principal *authz.Principal, projectID string) bool {
	if principal.Role.AtLeast(authz.RoleAdmin) {
		return true
	}

	role, assigned, err := s.teams.RoleInProject(r.Context(), principal.ID, projectID)
	if err != nil {
		s.internalError(w, r, "failed to resolve project role", err)
		return false
	}
	if !assigned || !role.AtLeast(authz.RoleManager) {
		reason := "managing the project team requires the manager role"
		audit.AccessDenied(r.Context(), principal.ID, principal.OrgID,
			string(authz.ResourceProject), projectID, reason, audit.GetClientIP(r))
		httputil.WriteDenied(w, reason)
		return false
	}
	return true
}
