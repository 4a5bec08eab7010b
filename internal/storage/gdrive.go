package storage

import (
	"context"
	"fmt"
	"path"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ProviderDrive stores artifacts in a Google Drive folder.
const ProviderDrive = "gdrive"

// Drive uploads to Google Drive. StorageID is the Drive file id.
type Drive struct {
	srv      *drive.Service
	folderID string
}

// NewDrive wraps an authenticated Drive service.
func NewDrive(srv *drive.Service, folderID string) *Drive {
	return &Drive{srv: srv, folderID: folderID}
}

func newDriveFromConfig(ctx context.Context, cfg Config) (*Drive, error) {
	if cfg.DriveClientID == "" || cfg.DriveClientSecret == "" || cfg.DriveRefreshToken == "" {
		return nil, fmt.Errorf("storage: drive_client_id, drive_client_secret and drive_refresh_token are required")
	}
	conf := &oauth2.Config{
		ClientID:     cfg.DriveClientID,
		ClientSecret: cfg.DriveClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.DriveRefreshToken})

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return NewDrive(srv, cfg.DriveFolderID), nil
}

func (d *Drive) Provider() string { return ProviderDrive }

func (d *Drive) Upload(ctx context.Context, obj Object) (Stored, error) {
	if obj.Key == "" {
		return Stored{}, fmt.Errorf("object key is required")
	}

	file := &drive.File{Name: path.Base(obj.Key)}
	if d.folderID != "" {
		file.Parents = []string{d.folderID}
	}

	call := d.srv.Files.Create(file).Fields("id", "size", "webViewLink").SupportsAllDrives(true)
	if obj.ContentType != "" {
		call = call.Media(obj.Reader, googleapi.ContentType(obj.ContentType))
	} else {
		call = call.Media(obj.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return Stored{}, fmt.Errorf("gdrive upload failed: %w", err)
	}

	link := created.WebViewLink
	if link == "" {
		link = "https://drive.google.com/file/d/" + created.Id + "/view"
	}
	size := created.Size
	if size == 0 {
		size = obj.Size
	}
	return Stored{URL: link, StorageID: created.Id, Size: size}, nil
}

func (d *Drive) Delete(ctx context.Context, storageID string) error {
	return d.srv.Files.Delete(storageID).SupportsAllDrives(true).Context(ctx).Do()
}
