package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/grants"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/observability"
	"github.com/luminbio/labd/pkg/overrides"
	"github.com/luminbio/labd/pkg/projects"
	"github.com/luminbio/labd/pkg/resources"
)

type capturingAuditor struct {
	mu       sync.Mutex
	entries  []*audit.Entry
	security []*audit.SecurityEntry
}

func (c *capturingAuditor) Log(_ context.Context, e *audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *capturingAuditor) LogSecurity(_ context.Context, e *audit.SecurityEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.security = append(c.security, e)
	return nil
}

func (c *capturingAuditor) Close() error { return nil }

func (c *capturingAuditor) securityEvents() []audit.SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]audit.SecurityEvent, 0, len(c.security))
	for _, e := range c.security {
		events = append(events, e.Event)
	}
	return events
}

type stubSearcher struct {
	lastFilter audit.SearchFilter
	results    []*audit.Entry
}

func (s *stubSearcher) Search(_ context.Context, filter audit.SearchFilter) ([]*audit.Entry, error) {
	s.lastFilter = filter
	return s.results, nil
}

type testServer struct {
	server   *Server
	auditor  *capturingAuditor
	searcher *stubSearcher
	metrics  *observability.Metrics
	db       *sql.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, run := range []func(context.Context, *sql.DB) error{
		resources.RunMigrations,
		projects.RunMigrations,
		grants.RunMigrations,
		overrides.RunMigrations,
	} {
		if err := run(ctx, db); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}

	directory, err := resources.NewDirectory(db, 64)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	grantStore := grants.NewStore(db)
	teamStore := projects.NewStore(db)
	overrideStore := overrides.NewStore(db)

	engine := authz.NewEngine(authz.EngineConfig{
		Owners:      directory,
		Grants:      grantStore,
		Assignments: teamStore,
		Overrides:   overrideStore,
	})

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	auditor := &capturingAuditor{}
	searcher := &stubSearcher{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	guard := middleware.NewAccessGuard(engine, grantStore, metrics, logger)

	server := NewServer(ServerConfig{
		Engine:    engine,
		Guard:     guard,
		Grants:    grantStore,
		Overrides: overrideStore,
		Teams:     teamStore,
		Resources: directory,
		Auditor:   auditor,
		Searcher:  searcher,
		Metrics:   metrics,
		Logger:    logger,
	})

	return &testServer{server: server, auditor: auditor, searcher: searcher, metrics: metrics, db: db}
}

func (ts *testServer) do(t *testing.T, method, target, userID, workspaceID, orgID, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(middleware.HeaderUserID, userID)
	req.Header.Set(middleware.HeaderWorkspace, workspaceID)
	req.Header.Set(middleware.HeaderOrgID, orgID)
	if role != "" {
		req.Header.Set(middleware.HeaderRole, role)
	}

	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) registerSample(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/resources", "owner-1", "ws-acme", "org-acme", "",
		map[string]string{"type": "sample", "id": id})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register resource: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterResourceRejectsForeignWorkspace(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/resources", "owner-1", "ws-acme", "org-acme", "",
		map[string]string{"type": "sample", "id": "s-1", "workspace_id": "ws-other"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestObjectFetchOwnerAndStranger(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSample(t, "s-1")

	rec := ts.do(t, http.MethodGet, "/api/v1/sample/s-1", "owner-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner fetch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/sample/s-1", "stranger", "ws-ext", "org-ext", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger fetch: expected 403, got %d", rec.Code)
	}

	events := ts.auditor.securityEvents()
	if len(events) != 1 || events[0] != audit.SecurityAccessDenied {
		t.Fatalf("expected one access_denied security event, got %v", events)
	}
}

func TestUnknownResourceTypeIs400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/widget/w-1", "owner-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGrantLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSample(t, "s-1")

	// Owner delegates to an external org.
	rec := ts.do(t, http.MethodPost, "/api/v1/sample/s-1/grants", "owner-1", "ws-acme", "org-acme", "",
		map[string]interface{}{"granted_to_org": "org-ext", "role": "analyzer"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create grant: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created grants.AccessGrant
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode grant: %v", err)
	}

	// A second active grant for the same org conflicts.
	rec = ts.do(t, http.MethodPost, "/api/v1/sample/s-1/grants", "owner-1", "ws-acme", "org-acme", "",
		map[string]interface{}{"granted_to_org": "org-ext", "role": "viewer"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate grant: expected 409, got %d", rec.Code)
	}

	// The granted org can now fetch the object.
	rec = ts.do(t, http.MethodGet, "/api/v1/sample/s-1", "ext-user", "ws-ext", "org-ext", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("granted fetch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The grant has no re-share bit, so the granted org cannot delegate on.
	rec = ts.do(t, http.MethodPost, "/api/v1/sample/s-1/grants", "ext-user", "ws-ext", "org-ext", "",
		map[string]interface{}{"granted_to_org": "org-third", "role": "viewer"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("re-share without permission: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	// Only the owning workspace can revoke.
	rec = ts.do(t, http.MethodDelete, "/api/v1/grants/"+created.ID, "ext-user", "ws-ext", "org-ext", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign revoke: expected 403, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/api/v1/grants/"+created.ID, "owner-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	// Revocation closes the door.
	rec = ts.do(t, http.MethodGet, "/api/v1/sample/s-1", "ext-user", "ws-ext", "org-ext", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("fetch after revoke: expected 403, got %d", rec.Code)
	}

	events := ts.auditor.securityEvents()
	var sawCreated, sawRevoked bool
	for _, e := range events {
		switch e {
		case audit.SecurityGrantCreated:
			sawCreated = true
		case audit.SecurityGrantRevoked:
			sawRevoked = true
		}
	}
	if !sawCreated || !sawRevoked {
		t.Fatalf("expected grant_created and grant_revoked events, got %v", events)
	}
}

func TestGrantWithReshareCanDelegate(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSample(t, "s-1")

	rec := ts.do(t, http.MethodPost, "/api/v1/sample/s-1/grants", "owner-1", "ws-acme", "org-acme", "",
		map[string]interface{}{"granted_to_org": "org-ext", "role": "client", "can_reshare": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create grant: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/sample/s-1/grants", "ext-user", "ws-ext", "org-ext", "",
		map[string]interface{}{"granted_to_org": "org-third", "role": "viewer"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("re-share with permission: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTeamManagement(t *testing.T) {
	ts := newTestServer(t)

	// Admins manage any roster.
	rec := ts.do(t, http.MethodPost, "/api/v1/projects/p-1/team", "admin-1", "ws-acme", "org-acme", "admin",
		map[string]string{"user_id": "sci-1", "role": "scientist"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// A scientist on the project cannot manage the roster.
	rec = ts.do(t, http.MethodPost, "/api/v1/projects/p-1/team", "sci-1", "ws-acme", "org-acme", "",
		map[string]string{"user_id": "other", "role": "viewer"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("scientist assign: expected 403, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/projects/p-1/team/sci-1", "sci-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get member: expected 200, got %d", rec.Code)
	}
	var member projects.TeamAssignment
	if err := json.Unmarshal(rec.Body.Bytes(), &member); err != nil {
		t.Fatalf("decode member: %v", err)
	}
	if member.Role != authz.RoleScientist {
		t.Fatalf("expected scientist role, got %q", member.Role)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/projects/p-1/team/sci-1", "admin-1", "ws-acme", "org-acme", "admin", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/projects/p-1/team/sci-1", "admin-1", "ws-acme", "org-acme", "admin", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get removed member: expected 404, got %d", rec.Code)
	}
}

func TestProjectManagerCanManageTeam(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/projects/p-1/team", "admin-1", "ws-acme", "org-acme", "admin",
		map[string]string{"user_id": "mgr-1", "role": "manager"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed manager: expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/projects/p-1/team", "mgr-1", "ws-acme", "org-acme", "",
		map[string]string{"user_id": "sci-1", "role": "scientist"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("manager assign: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestShareLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/resources", "owner-1", "ws-acme", "org-acme", "",
		map[string]string{"type": "report", "id": "r-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register report: expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/report/r-1/shares", "owner-1", "ws-acme", "org-acme", "",
		map[string]interface{}{"user_id": "reader-1", "level": "download"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create share: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/report/r-1/shares", "owner-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list shares: expected 200, got %d", rec.Code)
	}
	var list []overrides.AccessOverride
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode shares: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "reader-1" || list[0].Level != authz.LevelDownload {
		t.Fatalf("unexpected shares: %+v", list)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/report/r-1/shares/reader-1", "owner-1", "ws-acme", "org-acme", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke share: expected 204, got %d", rec.Code)
	}

	events := ts.auditor.securityEvents()
	var sawGranted, sawRevoked bool
	for _, e := range events {
		switch e {
		case audit.SecurityOverrideGranted:
			sawGranted = true
		case audit.SecurityOverrideRevoked:
			sawRevoked = true
		}
	}
	if !sawGranted || !sawRevoked {
		t.Fatalf("expected override events, got %v", events)
	}
}

func TestShareOnUnsupportedTypeIs400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/resources", "owner-1", "ws-acme", "org-acme", "",
		map[string]string{"type": "batch", "id": "b-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register batch: expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/batch/b-1/shares", "owner-1", "ws-acme", "org-acme", "",
		map[string]interface{}{"user_id": "reader-1", "level": "view"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("share on batch: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCheckAccessEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/projects/p-1/team", "admin-1", "ws-acme", "org-acme", "admin",
		map[string]string{"user_id": "sci-1", "role": "scientist"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed assignment: expected 201, got %d", rec.Code)
	}

	check := func(userID, action string) authz.Decision {
		rec := ts.do(t, http.MethodPost, "/api/v1/access/check", "svc-1", "ws-acme", "org-acme", "",
			map[string]string{"user_id": userID, "project_id": "p-1", "resource_type": "sample", "action": action})
		if rec.Code != http.StatusOK {
			t.Fatalf("check: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var d authz.Decision
		if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
			t.Fatalf("decode decision: %v", err)
		}
		return d
	}

	if d := check("sci-1", "edit"); !d.Allowed {
		t.Fatalf("scientist edit should be allowed: %+v", d)
	}
	if d := check("sci-1", "delete"); d.Allowed {
		t.Fatalf("scientist delete should be denied: %+v", d)
	}
	if d := check("outsider", "view"); d.Allowed {
		t.Fatalf("unassigned user should be denied: %+v", d)
	}

	allowed := testutil.ToFloat64(ts.metrics.DecisionsTotal.WithLabelValues("project_access", "allowed"))
	denied := testutil.ToFloat64(ts.metrics.DecisionsTotal.WithLabelValues("project_access", "denied"))
	if allowed != 1 || denied != 2 {
		t.Fatalf("expected 1 allowed and 2 denied decisions observed, got %v/%v", allowed, denied)
	}
}

func TestHTTPRequestMetricsRecorded(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSample(t, "s-1")

	got := testutil.ToFloat64(ts.metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/resources", "201"))
	if got != 1 {
		t.Fatalf("expected 1 request counted, got %v", got)
	}
}

func TestAuditSearchAdminOnly(t *testing.T) {
	ts := newTestServer(t)
	ts.searcher.results = []*audit.Entry{{ID: 1, ObjectType: "sample", ObjectID: "s-1"}}

	rec := ts.do(t, http.MethodGet, "/api/v1/audit?actor_id=u-1&outcome=denied&actions=read,share&limit=10",
		"mgr-1", "ws-acme", "org-acme", "manager", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin search: expected 403, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/audit?actor_id=u-1&outcome=denied&actions=read,share&limit=10",
		"admin-1", "ws-acme", "org-acme", "admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin search: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if ts.searcher.lastFilter.ActorID != "u-1" {
		t.Fatalf("filter actor_id not passed: %+v", ts.searcher.lastFilter)
	}
	if ts.searcher.lastFilter.Outcome == nil || *ts.searcher.lastFilter.Outcome != audit.OutcomeDenied {
		t.Fatalf("filter outcome not passed: %+v", ts.searcher.lastFilter)
	}
	if len(ts.searcher.lastFilter.Actions) != 2 {
		t.Fatalf("filter actions not passed: %+v", ts.searcher.lastFilter)
	}

	var entries []*audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestMissingIdentityHeadersAreRejected(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sample/s-1", nil)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
