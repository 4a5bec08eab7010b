// Package storage uploads finished videos to their long-term home.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/replaycast/replaycast/internal/ledger"
)

// Object is one artifact to upload.
type Object struct {
	Key         string
	ContentType string
	Reader      io.Reader
	Size        int64
}

// Stored describes where an artifact ended up.
type Stored struct {
	// URL is what users are sent.
	URL string
	// StorageID addresses the object for deletion: the key on disk, the file id on Drive.
	StorageID string
	Size      int64
}

// ArtifactStore is implemented by every provider.
type ArtifactStore interface {
	Provider() string
	Upload(ctx context.Context, obj Object) (Stored, error)
	Delete(ctx context.Context, storageID string) error
}

// Config selects and configures a provider.
type Config struct {
	Provider string `yaml:"provider"`

	LocalRoot     string `yaml:"local_root"`
	PublicBaseURL string `yaml:"public_base_url"`

	DriveClientID     string `yaml:"drive_client_id"`
	DriveClientSecret string `yaml:"drive_client_secret"`
	DriveRefreshToken string `yaml:"drive_refresh_token"`
	DriveFolderID     string `yaml:"drive_folder_id"`
}

// New builds the configured provider. localfs is the default.
func New(ctx context.Context, cfg Config) (ArtifactStore, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage: local_root is required")
		}
		return NewLocalFS(cfg.LocalRoot, cfg.PublicBaseURL), nil
	case ProviderDrive:
		return newDriveFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// VideoKey names the artifact of a job: <titleMod>/<shareId>-<quality>.mp4.
func VideoKey(j *ledger.RenderJob) string {
	mod := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, j.TitleMod)
	return path.Join(mod, fmt.Sprintf("%s-%s.mp4", j.ShareID, j.RenderQuality))
}
