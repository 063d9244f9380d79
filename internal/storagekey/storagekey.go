package storagekey

import (
	"path"
	"regexp"
	"strings"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Purpose is the logical kind of a stored file
type Purpose string

// Known purposes
const (
	PurposeUploads     Purpose = "uploads"
	PurposeDocuments   Purpose = "documents"
	PurposeTranscripts Purpose = "transcripts"
	PurposeResults     Purpose = "results"
)

const maxFilenameLength = 255

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateIdentifier checks a tenant, user or session id used as a path segment
func ValidateIdentifier(field, id string) error {
	if !identifierPattern.MatchString(id) {
		return domain.NewValidationError(field, "%q must be 1-64 letters, digits, '-' or '_'", id)
	}
	return nil
}

func validatePurpose(p Purpose) error {
	switch p {
	case PurposeUploads, PurposeDocuments, PurposeTranscripts, PurposeResults:
		return nil
	}
	return domain.NewValidationError("purpose", "unknown purpose %q", p)
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return domain.NewValidationError("filename", "is required")
	case len(name) > maxFilenameLength:
		return domain.NewValidationError("filename", "longer than %d bytes", maxFilenameLength)
	case name == "." || name == ".." || strings.HasPrefix(name, "."):
		return domain.NewValidationError("filename", "%q must not start with a dot", name)
	case strings.ContainsAny(name, "/\\"):
		return domain.NewValidationError("filename", "%q must not contain path separators", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return domain.NewValidationError("filename", "contains control characters")
		}
	}
	return nil
}

// Key returns the canonical storage key tenants/<tenant>/users/<user>/<purpose>/<filename>
func Key(tenantID, userID string, purpose Purpose, filename string) (string, error) {
	if err := ValidateIdentifier("tenant_id", tenantID); err != nil {
		return "", err
	}
	if err := ValidateIdentifier("user_id", userID); err != nil {
		return "", err
	}
	if err := validatePurpose(purpose); err != nil {
		return "", err
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	key := path.Join("tenants", tenantID, "users", userID, string(purpose), filename)
	if path.Dir(key) != path.Join("tenants", tenantID, "users", userID, string(purpose)) {
		return "", domain.NewValidationError("filename", "%q escapes its directory", filename)
	}
	return key, nil
}
