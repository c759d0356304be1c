package gdrive

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// files is the slice of the Drive API the syncer needs.
type files interface {
	find(name, folderID string) (string, error)
	create(name, folderID string, media io.Reader) (string, error)
	update(id string, media io.Reader) error
}

// Syncer mirrors the daily transcript files into a Drive folder, one Google
// Doc per date.
type Syncer struct {
	files    files
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID), nil
}

func newSyncer(f files, folderID string) *Syncer {
	return &Syncer{files: f, folderID: folderID, fileIDs: make(map[string]string)}
}

// Sync uploads localPath as the document for date. A document already in
// the folder for that date, including one made by an earlier run, is
// updated in place.
func (s *Syncer) Sync(localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := DocName(date)

	fileID, ok := s.fileIDs[date]
	if !ok {
		fileID, err = s.files.find(name, s.folderID)
		if err != nil {
			return fmt.Errorf("drive lookup %s: %w", name, err)
		}
	}

	if fileID != "" {
		if err := s.files.update(fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		s.fileIDs[date] = fileID
		return nil
	}

	fileID, err = s.files.create(name, s.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}
	s.fileIDs[date] = fileID
	return nil
}

func DocName(date string) string {
	return "lea-avatar-" + date
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) find(name, folderID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false", name, folderID, docMimeType)
	list, err := d.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (d driveFiles) create(name, folderID string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: docMimeType,
		Parents:  []string{folderID},
	}).Media(media, googleapi.ContentType("text/markdown")).Fields("id").Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(id string, media io.Reader) error {
	_, err := d.svc.Files.Update(id, &drive.File{}).Media(media, googleapi.ContentType("text/markdown")).Do()
	return err
}
