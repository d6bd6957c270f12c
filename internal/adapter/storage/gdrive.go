package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/semmidev/backt/internal/config"
)

type GDriveStorage struct {
	service  *drive.Service
	folderID string
}

func NewGDrive(ctx context.Context, cfg *config.UploadTarget) (*GDriveStorage, error) {
	auth, err := driveAuth(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service, err := drive.NewService(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{
		service:  service,
		folderID: cfg.FolderID,
	}, nil
}

// driveAuth prefers a user refresh token, since service accounts have no
// storage quota of their own on personal drives.
func driveAuth(ctx context.Context, cfg *config.UploadTarget) (option.ClientOption, error) {
	if cfg.RefreshToken == "" {
		return option.WithCredentialsFile(cfg.CredentialsFile), nil
	}

	secret, err := os.ReadFile(cfg.ClientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(secret, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret: %w", err)
	}
	return option.WithTokenSource(oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})), nil
}

func (g *GDriveStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileMetadata := &drive.File{
		Name:    remoteName,
		Parents: []string{g.folderID},
	}

	_, err = g.service.Files.Create(fileMetadata).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload to gdrive: %w", err)
	}

	return nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]string, error) {
	files, err := g.find(ctx, g.folderQuery(), "nextPageToken, files(id, name)")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return names(files), nil
}

func (g *GDriveStorage) Delete(ctx context.Context, remoteName string) error {
	query := fmt.Sprintf("%s and name='%s'", g.folderQuery(), driveEscape(remoteName))
	files, err := g.find(ctx, query, "nextPageToken, files(id)")
	if err != nil {
		return fmt.Errorf("failed to find file: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("file not found: %s", remoteName)
	}

	if err := g.service.Files.Delete(files[0].Id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (g *GDriveStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	query := fmt.Sprintf("%s and createdTime < '%s'", g.folderQuery(), cutoffTime.UTC().Format(time.RFC3339))
	files, err := g.find(ctx, query, "nextPageToken, files(id, name)")
	if err != nil {
		return nil, fmt.Errorf("failed to list old files: %w", err)
	}
	return names(files), nil
}

func (g *GDriveStorage) folderQuery() string {
	return fmt.Sprintf("'%s' in parents and trashed=false", driveEscape(g.folderID))
}

func (g *GDriveStorage) find(ctx context.Context, query string, fields googleapi.Field) ([]*drive.File, error) {
	var files []*drive.File
	call := g.service.Files.List().Q(query).Fields(fields).Context(ctx)
	err := call.Pages(ctx, func(page *drive.FileList) error {
		files = append(files, page.Files...)
		return nil
	})
	return files, err
}

func names(files []*drive.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

// driveEscape quotes a literal for the Drive query language.
func driveEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
