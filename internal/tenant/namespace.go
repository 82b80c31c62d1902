package tenant

import "strings"

// Namespace is the set of resource names derived from one identifier.
type Namespace struct {
	Identifier   string
	DatabaseName string
	BaseURL      string
	StoragePath  string
	StorageURL   string
	// StorageKey is the storage namespace relative to the configured backend root.
	StorageKey string
}

// Naming holds the deployment-wide convention used to derive a Namespace.
type Naming struct {
	DatabasePrefix string
	Scheme         string
	DomainSuffix   string
	StorageRoot    string
	StorageURLPath string
}

// Derive builds the namespace for an already validated identifier. The same identifier
// always yields the same namespace.
func (n Naming) Derive(identifier string) Namespace {
	baseURL := n.Scheme + "://" + identifier + "." + strings.Trim(n.DomainSuffix, ".")
	return Namespace{
		Identifier:   identifier,
		DatabaseName: n.DatabasePrefix + identifier,
		BaseURL:      baseURL,
		StoragePath:  joinPath(n.StorageRoot, identifier, ""),
		StorageURL:   baseURL + joinPath("/"+strings.Trim(n.StorageURLPath, "/"), identifier, "/"),
		StorageKey:   identifier,
	}
}

// joinPath appends name to root with exactly one separator. A root of "" or "/"
// yields prefix+name.
func joinPath(root, name, prefix string) string {
	root = strings.TrimRight(root, "/")
	if root == "" {
		return prefix + name
	}
	return root + "/" + name
}
