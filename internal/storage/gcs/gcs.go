// Package gcs implements the Google Cloud Storage backend. A tenant namespace is the object
// prefix "<prefix>/<identifier>/" with a zero-byte marker object beneath it. The marker is
// written with a DoesNotExist precondition, so concurrent creators agree on who created it.
// Supports Application Default Credentials, service account JSON keys, and Workload
// Identity Federation.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/site-provisioner/site-provisioner/internal/config"
	appstorage "github.com/site-provisioner/site-provisioner/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements the Storage interface for Google Cloud Storage
type GCSStorage struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials (GOOGLE_APPLICATION_CREDENTIALS,
//     GCE/GKE metadata service, gcloud auth application-default login)
//   - "service_account": a service account key file or inline JSON
//   - "workload_identity": Workload Identity Federation, resolved through ADC
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return newWithOptions(cfg, opts...)
}

func clientOptions(cfg *appconfig.GCSStorageConfig) ([]option.ClientOption, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}
	return opts, nil
}

func newWithOptions(cfg *appconfig.GCSStorageConfig, opts ...option.ClientOption) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Close releases the underlying client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// EnsureDir writes the namespace marker if no marker exists yet
func (s *GCSStorage) EnsureDir(ctx context.Context, key string) (bool, error) {
	if err := appstorage.ValidateKey(key); err != nil {
		return false, err
	}

	obj := s.client.Bucket(s.bucket).Object(appstorage.MarkerKey(s.prefix, key))
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/x-directory"

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write namespace marker to GCS: %w", err)
	}
	return true, nil
}

// RemoveDir deletes every object under the namespace prefix
func (s *GCSStorage) RemoveDir(ctx context.Context, key string) error {
	if err := appstorage.ValidateKey(key); err != nil {
		return err
	}

	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: appstorage.ObjectPrefix(s.prefix, key)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list namespace objects: %w", err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete %s from GCS: %w", attrs.Name, err)
		}
	}
}

// Exists reports whether the namespace marker is present
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := appstorage.ValidateKey(key); err != nil {
		return false, err
	}

	_, err := s.client.Bucket(s.bucket).Object(appstorage.MarkerKey(s.prefix, key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check namespace marker in GCS: %w", err)
	}
	return true, nil
}

// Location returns the gs:// URI of the namespace prefix
func (s *GCSStorage) Location(key string) string {
	return "gs://" + s.bucket + "/" + appstorage.ObjectPrefix(s.prefix, key)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
