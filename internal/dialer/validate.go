package dialer

import (
	"fmt"
	"regexp"

	"github.com/dny1020/outdial-orchestrator/pkg/errors"
)

var (
	phoneStripPattern   = regexp.MustCompile(`[^\d+]`)
	phonePattern        = regexp.MustCompile(`^\+\d{7,15}$`)
	contextPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	extensionPattern    = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)
	callerIDStripRegexp = regexp.MustCompile(`[^\w\s<>()-]`)
)

func validationError(format string, args ...interface{}) *errors.AppError {
	return errors.New(errors.ErrValidation, fmt.Sprintf(format, args...))
}

// ValidatePhoneNumber strips formatting characters and enforces E.164
func ValidatePhoneNumber(phone string) (string, error) {
	cleaned := phoneStripPattern.ReplaceAllString(phone, "")
	if !phonePattern.MatchString(cleaned) {
		return "", validationError("Invalid phone number format. Expected E.164: +[country][number]. Got: %s", phone)
	}
	return cleaned, nil
}

// ValidateContext allows only dialplan-safe context names
func ValidateContext(value string) (string, error) {
	if !contextPattern.MatchString(value) {
		return "", validationError("Invalid context %q. Only alphanumeric, underscore, and hyphen allowed (max 64 chars).", value)
	}
	return value, nil
}

// ValidateExtension allows only alphanumeric extensions
func ValidateExtension(value string) (string, error) {
	if !extensionPattern.MatchString(value) {
		return "", validationError("Invalid extension %q. Only alphanumeric characters allowed (max 32 chars).", value)
	}
	return value, nil
}

// SanitizeCallerID removes characters that could break the dialplan and
// truncates to 128 characters
func SanitizeCallerID(value string) string {
	if value == "" {
		return ""
	}
	sanitized := callerIDStripRegexp.ReplaceAllString(value, "")
	if len(sanitized) > 128 {
		sanitized = sanitized[:128]
	}
	return sanitized
}

// ValidatePriority bounds the dialplan priority
func ValidatePriority(priority int) error {
	if priority < 1 || priority > 10 {
		return validationError("Priority must be between 1 and 10, got %d", priority)
	}
	return nil
}

// ValidateTimeout bounds the dial timeout in milliseconds
func ValidateTimeout(timeoutMS int) error {
	if timeoutMS <= 0 || timeoutMS > 600000 {
		return validationError("Timeout must be in (0, 600000] milliseconds, got %d", timeoutMS)
	}
	return nil
}
