package provision

import (
	"context"

	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/tenant"
)

// Site option names rewritten in every new tenant database
const (
	OptionSiteURL       = "siteurl"
	OptionHome          = "home"
	OptionUploadPath    = "upload_path"
	OptionUploadURLPath = "upload_url_path"
)

// SiteOptions returns the option rows that point a seeded database at its own namespace
func SiteOptions(ns tenant.Namespace) []dbhost.Option {
	return []dbhost.Option{
		{Name: OptionSiteURL, Value: ns.BaseURL},
		{Name: OptionHome, Value: ns.BaseURL},
		{Name: OptionUploadPath, Value: ns.StoragePath},
		{Name: OptionUploadURLPath, Value: ns.StorageURL},
	}
}

// ConfigRewriter overwrites the seeded site options of a tenant database
type ConfigRewriter struct {
	host  dbhost.Host
	table dbhost.OptionsTable
}

// NewConfigRewriter creates a rewriter for the given options table
func NewConfigRewriter(host dbhost.Host, table dbhost.OptionsTable) *ConfigRewriter {
	return &ConfigRewriter{host: host, table: table}
}

// Rewrite points the seeded options of ns at its own URLs and storage path in one
// transaction
func (r *ConfigRewriter) Rewrite(ctx context.Context, ns tenant.Namespace) error {
	if err := r.host.SetOptions(ctx, ns.DatabaseName, r.table, SiteOptions(ns)); err != nil {
		return provisioningError(msgRewriteOptions, err)
	}
	return nil
}
