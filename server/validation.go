package server

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxImageSize is the largest accepted image in bytes (10 MB).
	MaxImageSize = 10 * 1024 * 1024
	// MaxTagCount is the most tags a record may carry after deduplication.
	MaxTagCount = 20
	// MaxTagLength is the longest accepted tag.
	MaxTagLength = 50
	// MaxDescriptionLength is the longest accepted description.
	MaxDescriptionLength = 500

	maxFilenameLength = 255
)

// allowedContentTypes is the accepted MIME type whitelist. image/jpg is a
// common client alias for image/jpeg and is kept as given.
var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var (
	ownerIDPattern      = regexp.MustCompile(`^[A-Za-z0-9_]{3,100}$`)
	tagPattern          = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
	unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
)

// UploadRequest is the caller input for InitiateUpload. Validation
// normalizes Tags and Filename in place. Expiry is the requested upload
// credential lifetime in seconds; zero means the default.
type UploadRequest struct {
	OwnerID     string                 `json:"owner_id"`
	Filename    string                 `json:"filename"`
	ContentType string                 `json:"content_type"`
	SizeBytes   int64                  `json:"size_bytes"`
	Tags        []string               `json:"tags,omitempty"`
	Description string                 `json:"description,omitempty"`
	Attributes  map[string]interface{} `json:"custom_attributes,omitempty"`
	Expiry      int64                  `json:"expiry,omitempty"`
}

// ValidateUploadRequest checks every field of an upload request and
// normalizes tags and filename. It returns a ValidationError on the first
// rejected field.
func ValidateUploadRequest(req *UploadRequest) error {
	if err := ValidateOwnerID(req.OwnerID); err != nil {
		return err
	}
	if err := ValidateContentType(req.ContentType); err != nil {
		return err
	}
	if err := ValidateSizeBytes(req.SizeBytes); err != nil {
		return err
	}
	tags, err := NormalizeTags(req.Tags)
	if err != nil {
		return err
	}
	req.Tags = tags
	if err := ValidateDescription(req.Description); err != nil {
		return err
	}
	if req.Expiry < 0 {
		return validationErr("expiry", "must not be negative")
	}
	req.Filename = SanitizeFilename(req.Filename)
	return nil
}

// ValidateOwnerID checks the owner id format.
func ValidateOwnerID(ownerID string) error {
	if !ownerIDPattern.MatchString(ownerID) {
		return validationErr("owner_id", "must be 3-100 characters of letters, digits, or underscore")
	}
	return nil
}

// ValidateRecordID checks that an id is a well-formed UUID.
func ValidateRecordID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return validationErr("image_id", "must be a valid UUID")
	}
	return nil
}

// ValidateContentType checks the MIME type against the whitelist.
func ValidateContentType(contentType string) error {
	if !allowedContentTypes[contentType] {
		return validationErr("content_type", "must be one of image/jpeg, image/png, image/gif, image/webp")
	}
	return nil
}

// ValidateSizeBytes checks the declared image size.
func ValidateSizeBytes(size int64) error {
	if size <= 0 {
		return validationErr("size_bytes", "must be greater than zero")
	}
	if size > MaxImageSize {
		return validationErr("size_bytes", "must not exceed 10485760 bytes")
	}
	return nil
}

// NormalizeTags trims, deduplicates, and validates tags, preserving the
// first occurrence order. A nil result means no tags.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > MaxTagLength {
			return nil, validationErr("tags", "each tag must be at most 50 characters")
		}
		if !tagPattern.MatchString(tag) {
			return nil, validationErr("tags", "tags may only contain letters, digits, spaces, hyphens, and underscores")
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) > MaxTagCount {
		return nil, validationErr("tags", "at most 20 tags are allowed")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ValidateDescription checks the description length.
func ValidateDescription(description string) error {
	if len(description) > MaxDescriptionLength {
		return validationErr("description", "must be at most 500 characters")
	}
	return nil
}

// SanitizeFilename reduces a client-supplied filename to a safe basename:
// path components are stripped, control and separator characters become
// underscores, and the result is capped at 255 characters keeping the
// extension. An empty input becomes "unnamed".
func SanitizeFilename(filename string) string {
	if filename == "" {
		return "unnamed"
	}

	// Strip path components from either separator style
	if idx := strings.LastIndex(filename, "/"); idx >= 0 {
		filename = filename[idx+1:]
	}
	if idx := strings.LastIndex(filename, "\\"); idx >= 0 {
		filename = filename[idx+1:]
	}

	filename = unsafeFilenameChars.ReplaceAllString(filename, "_")
	filename = strings.Trim(filename, " .")

	if filename == "" {
		return "unnamed"
	}

	if len(filename) > maxFilenameLength {
		if idx := strings.LastIndex(filename, "."); idx > 0 {
			name, ext := filename[:idx], filename[idx+1:]
			keep := maxFilenameLength - len(ext) - 1
			if keep < 1 {
				keep = 1
			}
			if keep > len(name) {
				keep = len(name)
			}
			filename = name[:keep] + "." + ext
		} else {
			filename = filename[:maxFilenameLength]
		}
	}

	return filename
}
