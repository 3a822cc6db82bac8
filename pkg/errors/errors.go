package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the different kinds of failure the scanner reports
type ErrorType int

const (
	// Configuration errors
	ErrorTypeConfig ErrorType = iota
	// Repository metadata or content could not be retrieved
	ErrorTypeResolution
	// Workflow or action file could not be parsed
	ErrorTypeParse
	// Reference kind that cannot be followed (docker://)
	ErrorTypeUnsupportedReference
	// Repository larger than the configured ceiling
	ErrorTypeSizeLimit
	// Rule execution errors
	ErrorTypeRule
	// Policy evaluation errors
	ErrorTypePolicy
	// Report generation errors
	ErrorTypeReport
	// Validation errors
	ErrorTypeValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfig:
		return "config"
	case ErrorTypeResolution:
		return "resolution"
	case ErrorTypeParse:
		return "parse"
	case ErrorTypeUnsupportedReference:
		return "unsupported_reference"
	case ErrorTypeSizeLimit:
		return "size_limit"
	case ErrorTypeRule:
		return "rule"
	case ErrorTypePolicy:
		return "policy"
	case ErrorTypeReport:
		return "report"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ScanError represents a structured error with context
type ScanError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Details     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *ScanError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, e.Details[k]))
		}
		sb.WriteString(")")
	}

	return sb.String()
}

// Unwrap returns the underlying error
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ScanError of the same type
func (e *ScanError) Is(target error) bool {
	if t, ok := target.(*ScanError); ok {
		return e.Type == t.Type
	}
	return false
}

// UserFriendlyMessage returns a user-friendly error message with suggestions
func (e *ScanError) UserFriendlyMessage() string {
	var sb strings.Builder
	sb.WriteString("❌ ")
	sb.WriteString(e.Message)

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n\n💡 Suggestions:")
		for _, suggestion := range e.Suggestions {
			sb.WriteString("\n   • ")
			sb.WriteString(suggestion)
		}
	}

	return sb.String()
}

// Sentinels for errors.Is comparisons. Only the Type field is compared.
var (
	ErrResolution           = &ScanError{Type: ErrorTypeResolution, Message: "resolution failed"}
	ErrParse                = &ScanError{Type: ErrorTypeParse, Message: "parse failed"}
	ErrUnsupportedReference = &ScanError{Type: ErrorTypeUnsupportedReference, Message: "unsupported reference"}
	ErrSizeLimit            = &ScanError{Type: ErrorTypeSizeLimit, Message: "size limit exceeded"}
	ErrConfig               = &ScanError{Type: ErrorTypeConfig, Message: "invalid configuration"}
	ErrValidation           = &ScanError{Type: ErrorTypeValidation, Message: "validation failed"}
	ErrReport               = &ScanError{Type: ErrorTypeReport, Message: "report failed"}
)

func newError(t ErrorType, message string, cause error, key, value string, suggestions []string) *ScanError {
	details := make(map[string]interface{})
	if value != "" {
		details[key] = value
	}
	return &ScanError{
		Type:        t,
		Message:     message,
		Cause:       cause,
		Details:     details,
		Suggestions: suggestions,
	}
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error, suggestions ...string) *ScanError {
	return newError(ErrorTypeConfig, message, cause, "", "", suggestions)
}

// NewResolutionError creates an error for metadata or content that could not be fetched
func NewResolutionError(message string, cause error, ref string, suggestions ...string) *ScanError {
	return newError(ErrorTypeResolution, message, cause, "repository", ref, suggestions)
}

// NewParseError creates a workflow parsing error
func NewParseError(message string, cause error, path string) *ScanError {
	return newError(ErrorTypeParse, message, cause, "file", path, nil)
}

// NewUnsupportedReferenceError creates an error for a uses reference that is not followed
func NewUnsupportedReferenceError(uses string) *ScanError {
	return newError(ErrorTypeUnsupportedReference, "unsupported uses reference", nil, "uses", uses, nil)
}

// NewSizeLimitError creates an error for content over a size ceiling
func NewSizeLimitError(message string, what string, limit int64) *ScanError {
	err := newError(ErrorTypeSizeLimit, message, nil, "source", what, nil)
	err.Details["limit"] = limit
	return err
}

// NewRuleError creates a rule execution error
func NewRuleError(message string, cause error, ruleID string) *ScanError {
	return newError(ErrorTypeRule, message, cause, "rule", ruleID, nil)
}

// NewPolicyError creates a policy evaluation error
func NewPolicyError(message string, cause error, policyPath string, suggestions ...string) *ScanError {
	return newError(ErrorTypePolicy, message, cause, "policy", policyPath, suggestions)
}

// NewReportError creates a report generation error
func NewReportError(message string, cause error, outputPath string, suggestions ...string) *ScanError {
	return newError(ErrorTypeReport, message, cause, "output", outputPath, suggestions)
}

// NewValidationError creates a validation error
func NewValidationError(message string, field string, value interface{}, suggestions ...string) *ScanError {
	details := make(map[string]interface{})
	if field != "" {
		details["field"] = field
	}
	if value != nil {
		details["value"] = value
	}

	return &ScanError{
		Type:        ErrorTypeValidation,
		Message:     message,
		Details:     details,
		Suggestions: suggestions,
	}
}

// Predefined common errors

// ErrMissingToken is returned by commands that cannot run anonymously
func ErrMissingToken() *ScanError {
	return NewConfigError(
		"GITHUB_TOKEN not defined",
		nil,
		"Export GITHUB_TOKEN with a personal access token",
		"Or put GITHUB_TOKEN=... in the file passed with --env",
	)
}

// ErrInvalidGitHubURL creates an invalid URL error
func ErrInvalidGitHubURL(url string) *ScanError {
	return NewValidationError(
		"Invalid Github URL",
		"url",
		url,
		"Use a URL of the form https://github.com/<owner>/<repo>",
	)
}

// ErrUnknownRule creates an unknown rule error
func ErrUnknownRule(id string, known []string) *ScanError {
	return NewConfigError(
		fmt.Sprintf("Unknown rule: %s", id),
		nil,
		fmt.Sprintf("Use one of: %s", strings.Join(known, ", ")),
		"Run 'ghascan list-rules' to see all available rules",
	)
}

// ErrInvalidOutputFormat creates an invalid output format error
func ErrInvalidOutputFormat(format string, supportedFormats []string) *ScanError {
	return NewValidationError(
		fmt.Sprintf("Invalid output format: %s", format),
		"format",
		format,
		fmt.Sprintf("Use one of the supported formats: %s", strings.Join(supportedFormats, ", ")),
	)
}
