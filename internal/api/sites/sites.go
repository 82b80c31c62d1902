// Package sites implements the provisioning endpoints: create a site, the compatibility
// alias that answers in the legacy {success, data} envelope, and the tenant record lookup.
package sites

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/site-provisioner/site-provisioner/internal/db/models"
	"github.com/site-provisioner/site-provisioner/internal/middleware"
	"github.com/site-provisioner/site-provisioner/internal/provision"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// MsgSiteNotFound is returned by the lookup endpoint for unknown identifiers
const MsgSiteNotFound = "Site not found"

// Provisioner runs provisioning requests. *provision.Orchestrator satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, raw tenant.RawRequest) (*provision.Result, error)
}

// TenantLookup reads tenant records. *repositories.TenantRepository satisfies it.
type TenantLookup interface {
	GetByIdentifier(ctx context.Context, identifier string) (*models.Tenant, error)
}

// Handler serves the site endpoints
type Handler struct {
	provisioner Provisioner
	tenants     TenantLookup
}

// NewHandler creates a sites handler
func NewHandler(provisioner Provisioner, tenants TenantLookup) *Handler {
	return &Handler{provisioner: provisioner, tenants: tenants}
}

// @Summary      Provision a site
// @Description  Creates the tenant database, rewrites its site options, provisions the administrator and allocates the uploads namespace.
// @Tags         Sites
// @Accept       json
// @Produce      json
// @Param        body  body      tenant.RawRequest   true  "Site request"
// @Success      201   {object}  provision.Result
// @Failure      400   {object}  map[string]interface{}
// @Failure      409   {object}  map[string]interface{}
// @Failure      500   {object}  map[string]interface{}
// @Failure      504   {object}  map[string]interface{}
// @Router       /api/v1/sites [post]
// Create provisions a site and answers with the result or the failure body
func (h *Handler) Create(c *gin.Context) {
	result, status, body := h.provision(c)
	if result == nil {
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// @Summary      Provision a site (compatibility)
// @Description  Same as POST /api/v1/sites, answering in the {success, data} envelope expected by existing callers.
// @Tags         Sites
// @Accept       json
// @Produce      json
// @Router       /wp-json/custom/v1/create-site [post]
// CreateCompat provisions a site and wraps the answer in {success, data}
func (h *Handler) CreateCompat(c *gin.Context) {
	result, status, body := h.provision(c)
	if result == nil {
		c.JSON(status, gin.H{"success": false, "data": body})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": result})
}

func (h *Handler) provision(c *gin.Context) (*provision.Result, int, gin.H) {
	var raw tenant.RawRequest
	if err := c.ShouldBind(&raw); err != nil {
		return nil, http.StatusBadRequest, gin.H{
			"message": provision.MsgInvalidRequest,
			"error":   "malformed request body",
			"stage":   provision.StageValidating,
		}
	}

	result, err := h.provisioner.Provision(c.Request.Context(), raw)
	if err != nil {
		status, body := ErrorResponse(err)
		if status >= http.StatusInternalServerError {
			slog.Error("site provisioning failed",
				"request_id", middleware.RequestID(c),
				"identifier", raw.Identifier,
				"status", status,
				"error", err,
			)
		}
		return nil, status, body
	}
	return result, http.StatusCreated, nil
}

// ErrorResponse maps a provisioning error to its HTTP status and body
func ErrorResponse(err error) (int, gin.H) {
	var (
		se   *provision.StageError
		verr *tenant.ValidationError
		cerr *provision.CollisionError
		ierr *provision.IdentityError
		serr *provision.StorageError
		perr *provision.ProvisioningError
	)

	status := http.StatusInternalServerError
	body := gin.H{}

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body["message"] = provision.MsgInvalidRequest
		body["error"] = verr.Error()
	case errors.As(err, &cerr):
		status = http.StatusConflict
		body["message"] = cerr.Reason
	case errors.As(err, &ierr):
		body["message"] = provision.MsgIdentity
		body["error"] = ierr.Err.Error()
	case errors.As(err, &serr):
		body["message"] = provision.MsgStorage
		body["error"] = serr.Err.Error()
	case errors.As(err, &perr):
		body["message"] = perr.Message
	default:
		body["message"] = "Internal server error"
	}

	if errors.As(err, &se) {
		body["stage"] = se.Stage
		if se.TimedOut {
			status = http.StatusGatewayTimeout
		}
	}
	return status, body
}

// @Summary      Get a site
// @Description  Returns the tenant registry record of a site, including its provisioning status.
// @Tags         Sites
// @Produce      json
// @Param        identifier  path      string  true  "Site identifier"
// @Success      200         {object}  models.Tenant
// @Failure      400         {object}  map[string]interface{}
// @Failure      404         {object}  map[string]interface{}
// @Router       /api/v1/sites/{identifier} [get]
// Get returns the tenant record for an identifier
func (h *Handler) Get(c *gin.Context) {
	identifier, err := tenant.ValidateIdentifier(c.Param("identifier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": provision.MsgInvalidRequest, "error": err.Error()})
		return
	}

	record, err := h.tenants.GetByIdentifier(c.Request.Context(), identifier)
	if err != nil {
		slog.Error("failed to load tenant", "identifier", identifier, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load site"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": MsgSiteNotFound})
		return
	}

	c.JSON(http.StatusOK, record)
}
