package domain

import (
	"fmt"
	"path"
	"strings"
)

// UploadRequest is one inbound file. Content may be any byte sequence,
// including empty; format checks are left to the transform stage.
type UploadRequest struct {
	FileName    string
	Content     []byte
	ContentType string
}

// Validate checks that FileName is usable as an object key.
func (r UploadRequest) Validate() error {
	name := r.FileName
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	case strings.ContainsAny(name, `/\`), name == ".", name == "..", path.Base(name) != name:
		return fmt.Errorf("%w: file name must not contain a path: %q", ErrInvalidRequest, name)
	}
	return nil
}

// UploadResult describes an accepted upload.
type UploadResult struct {
	Bucket    string `json:"bucket"`
	Name      string `json:"name"`
	Size      int    `json:"size"`
	MessageID string `json:"message_id"`
}
