package sites

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/provision"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvisioner struct {
	got    tenant.RawRequest
	calls  int
	result *provision.Result
	err    error
}

func (f *fakeProvisioner) Provision(_ context.Context, raw tenant.RawRequest) (*provision.Result, error) {
	f.calls++
	f.got = raw
	return f.result, f.err
}

type fakeLookup struct {
	tenants map[string]*models.Tenant
	err     error
}

func (f *fakeLookup) GetByIdentifier(_ context.Context, identifier string) (*models.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tenants[identifier], nil
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

func newSitesRouter(p Provisioner, l TenantLookup) *gin.Engine {
	h := NewHandler(p, l)
	r := gin.New()
	r.POST("/api/v1/sites", h.Create)
	r.POST("/wp-json/custom/v1/create-site", h.CreateCompat)
	r.GET("/api/v1/sites/:identifier", h.Get)
	return r
}

const acmeBody = `{"subdomain":"acme","email":"a@x.io","admin_user":"alice","admin_pass":"pw1"}`

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return body
}

func acmeResult() *provision.Result {
	return &provision.Result{
		Message:     provision.MsgSiteCreated,
		URL:         "http://acme.wpsaas.com",
		UploadsPath: "/var/www/wp-content/uploads/acme",
		Database:    "saaswpacme",
		AccountID:   "secret-internal-id",
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_Success(t *testing.T) {
	p := &fakeProvisioner{result: acmeResult()}
	w := postJSON(newSitesRouter(p, nil), "/api/v1/sites", acmeBody)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	want := map[string]any{
		"message":      "Site created successfully",
		"url":          "http://acme.wpsaas.com",
		"uploads_path": "/var/www/wp-content/uploads/acme",
		"database":     "saaswpacme",
	}
	if len(body) != len(want) {
		t.Errorf("body = %v, want exactly %v", body, want)
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	if p.got != (tenant.RawRequest{Identifier: "acme", AdminEmail: "a@x.io", AdminUsername: "alice", AdminPassword: "pw1"}) {
		t.Errorf("provisioner got %+v", p.got)
	}
}

func TestCreate_FormBody(t *testing.T) {
	p := &fakeProvisioner{result: acmeResult()}
	form := url.Values{"subdomain": {"acme"}, "email": {"a@x.io"}, "admin_user": {"alice"}, "admin_pass": {"pw1"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sites", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	newSitesRouter(p, nil).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if p.got.Identifier != "acme" || p.got.AdminPassword != "pw1" {
		t.Errorf("provisioner got %+v", p.got)
	}
}

func TestCreate_MalformedBody(t *testing.T) {
	p := &fakeProvisioner{}
	w := postJSON(newSitesRouter(p, nil), "/api/v1/sites", `{"subdomain":`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decode(t, w); body["message"] != provision.MsgInvalidRequest {
		t.Errorf("message = %v", body["message"])
	}
	if p.calls != 0 {
		t.Error("provisioner called for malformed body")
	}
}

func TestCreate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		detail  string
		stage   string
	}{
		{
			name:    "validation",
			err:     &provision.StageError{Stage: provision.StageValidating, Err: &tenant.ValidationError{Field: "subdomain", Reason: "invalid"}},
			status:  http.StatusBadRequest,
			message: "Missing or invalid required fields",
			detail:  "subdomain is invalid",
			stage:   "validating",
		},
		{
			name:    "collision",
			err:     &provision.StageError{Stage: provision.StageAllocating, Err: &provision.CollisionError{Identifier: "acme", Reason: provision.MsgDatabaseExists}},
			status:  http.StatusConflict,
			message: "Database already exists",
			stage:   "allocating",
		},
		{
			name:    "in progress",
			err:     &provision.StageError{Stage: provision.StageAllocating, Err: &provision.CollisionError{Identifier: "acme", Reason: provision.MsgInProgress}},
			status:  http.StatusConflict,
			message: "Site provisioning already in progress",
			stage:   "allocating",
		},
		{
			name:    "seed missing",
			err:     &provision.StageError{Stage: provision.StageSchemaLoading, Err: &provision.ProvisioningError{Message: provision.MsgSeedNotFound}},
			status:  http.StatusInternalServerError,
			message: "SQL file not found",
			stage:   "schema_loading",
		},
		{
			name:    "identity",
			err:     &provision.StageError{Stage: provision.StageIdentityProvisioning, Err: &provision.IdentityError{Username: "alice", Err: errors.New("duplicate email")}},
			status:  http.StatusInternalServerError,
			message: "Error creating admin user",
			detail:  "duplicate email",
			stage:   "identity_provisioning",
		},
		{
			name:    "storage",
			err:     &provision.StageError{Stage: provision.StageStorageAllocating, Err: &provision.StorageError{Path: "/x/acme", Err: errors.New("permission denied")}},
			status:  http.StatusInternalServerError,
			message: "Failed to create uploads folder",
			detail:  "permission denied",
			stage:   "storage_allocating",
		},
		{
			name:    "timeout",
			err:     &provision.StageError{Stage: provision.StageSchemaLoading, TimedOut: true, Err: &provision.ProvisioningError{Message: "Error importing SQL file: context deadline exceeded"}},
			status:  http.StatusGatewayTimeout,
			message: "Error importing SQL file: context deadline exceeded",
			stage:   "schema_loading",
		},
		{
			name:    "unknown",
			err:     errors.New("boom"),
			status:  http.StatusInternalServerError,
			message: "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(newSitesRouter(&fakeProvisioner{err: tt.err}, nil), "/api/v1/sites", acmeBody)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			body := decode(t, w)
			if body["message"] != tt.message {
				t.Errorf("message = %v, want %q", body["message"], tt.message)
			}
			if tt.detail != "" && body["error"] != tt.detail {
				t.Errorf("error = %v, want %q", body["error"], tt.detail)
			}
			if tt.detail == "" {
				if _, ok := body["error"]; ok {
					t.Errorf("unexpected error field %v", body["error"])
				}
			}
			if tt.stage != "" && body["stage"] != tt.stage {
				t.Errorf("stage = %v, want %q", body["stage"], tt.stage)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// CreateCompat
// ---------------------------------------------------------------------------

func TestCreateCompat_Success(t *testing.T) {
	w := postJSON(newSitesRouter(&fakeProvisioner{result: acmeResult()}, nil), "/wp-json/custom/v1/create-site", acmeBody)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	body := decode(t, w)
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	data, _ := body["data"].(map[string]any)
	if data["url"] != "http://acme.wpsaas.com" || data["database"] != "saaswpacme" {
		t.Errorf("data = %v", data)
	}
}

func TestCreateCompat_Failure(t *testing.T) {
	err := &provision.StageError{Stage: provision.StageAllocating, Err: &provision.CollisionError{Reason: provision.MsgDatabaseExists}}
	w := postJSON(newSitesRouter(&fakeProvisioner{err: err}, nil), "/wp-json/custom/v1/create-site", acmeBody)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	body := decode(t, w)
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
	data, _ := body["data"].(map[string]any)
	if data["message"] != "Database already exists" {
		t.Errorf("data = %v", data)
	}
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

func getSite(r *gin.Engine, id string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sites/"+id, nil))
	return w
}

func TestGet(t *testing.T) {
	lookup := &fakeLookup{tenants: map[string]*models.Tenant{
		"acme": {Identifier: "acme", DatabaseName: "saaswpacme", BaseURL: "http://acme.wpsaas.com", Status: models.TenantStatusActive},
	}}
	r := newSitesRouter(nil, lookup)

	w := getSite(r, "ACME")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "active" || body["url"] != "http://acme.wpsaas.com" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["last_error"]; ok {
		t.Error("last_error must not be exposed")
	}

	if w := getSite(r, "beta"); w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", w.Code)
	}
	if w := getSite(r, "bad_id"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid: status = %d, want 400", w.Code)
	}
}

func TestGet_LookupError(t *testing.T) {
	w := getSite(newSitesRouter(nil, &fakeLookup{err: errors.New("db down")}), "acme")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestErrorResponse_WrappedStageError(t *testing.T) {
	inner := &provision.StageError{Stage: provision.StageRecording, Err: &provision.ProvisioningError{Message: "Failed to record site"}}
	status, body := ErrorResponse(errors.Join(inner))
	if status != http.StatusInternalServerError || body["stage"] != provision.StageRecording {
		t.Errorf("got %d %v", status, body)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil || !strings.Contains(buf.String(), `"stage":"recording"`) {
		t.Errorf("encoded body = %s", buf.String())
	}
}
