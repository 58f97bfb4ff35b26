// Package storage keeps alert clips out of the frame channel: clients upload
// media over HTTP and reference the returned location in AlertVideo.Source.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ClipStore persists an uploaded clip under key.
type ClipStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ClipKey builds the object key for a clip uploaded by userID. The file name
// only contributes its extension.
func ClipKey(userID, filename, contentType string) string {
	owner := unsafeKeyChars.ReplaceAllString(userID, "")
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("clips/%s/%s%s", owner, uuid.NewString(), clipExtension(filename, contentType))
}

func clipExtension(filename, contentType string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/"))))
	if ext != "" && len(ext) <= 6 && !unsafeKeyChars.MatchString(ext[1:]) {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}
