// Package blob stores generated images.
package blob

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Delete when the object does not exist.
var ErrNotFound = errors.New("blob: not found")

// Object identifies a stored blob.
type Object struct {
	FileID string
	URL    string
}

// Store uploads and deletes blobs.
type Store interface {
	Upload(ctx context.Context, data []byte, mimeType, pathHint string) (Object, error)
	Delete(ctx context.Context, fileID string) error
}

// ObjectName builds a unique blob name under pathHint with an extension
// derived from mimeType.
func ObjectName(pathHint, mimeType string) string {
	ext := ".bin"
	switch strings.ToLower(mimeType) {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	default:
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return path.Join(strings.Trim(pathHint, "/"), uuid.NewString()+ext)
}
