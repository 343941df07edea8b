package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/httputil"
	"github.com/luminbio/labd/pkg/middleware"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// searchAudit queries the audit trail. Restricted to platform admins.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if !principal.Role.AtLeast(authz.RoleAdmin) {
		reason := "audit search requires the admin role"
		audit.AccessDenied(r.Context(), principal.ID, principal.OrgID,
			"audit", "", reason, audit.GetClientIP(r))
		httputil.WriteDenied(w, reason)
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := s.searcher.Search(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "audit search failed", err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

func parseAuditFilter(r *http.Request) (audit.SearchFilter, error) {
	q := r.URL.Query()
	filter := audit.SearchFilter{
		ActorID:    q.Get("actor_id"),
		ActorOrgID: q.Get("actor_org_id"),
		ObjectType: q.Get("object_type"),
		ObjectID:   q.Get("object_id"),
		IPAddress:  q.Get("ip_address"),
	}
	if raw := q.Get("outcome"); raw != "" {
		outcome := audit.Outcome(raw)
		filter.Outcome = &outcome
	}

	if raw := q.Get("actions"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			filter.Actions = append(filter.Actions, audit.Action(strings.TrimSpace(a)))
		}
	}

	var err error
	if filter.StartTime, err = parseTimeParam(q.Get("start")); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTimeParam(q.Get("end")); err != nil {
		return filter, err
	}

	filter.Limit, _ = httputil.ParseQueryInt(r, "limit", defaultAuditPageSize)
	if filter.Limit <= 0 || filter.Limit > maxAuditPageSize {
		filter.Limit = defaultAuditPageSize
	}
	filter.Offset, _ = httputil.ParseQueryInt(r, "offset", 0)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return filter, nil
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
