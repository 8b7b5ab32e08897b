package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks loading a definition.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a process definition, located
// by a path such as "steps[review].executor".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return fmt.Sprintf("%s: %s", i.Severity, i.Message)
	}
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult aggregates the issues of every validation stage for one
// process document.
type ValidationResult struct {
	Process  string            `json:"process,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings never block a load.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a VALIDATION_ERROR naming the process, or
// nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" && first.Path != "/" {
		msg = fmt.Sprintf("%s: %s", first.Path, first.Message)
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("process definition has %d errors", len(r.Errors))
	}
	if r.Process != "" {
		msg = fmt.Sprintf("process %q: %s", r.Process, msg)
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if r.Process != "" {
		details["process"] = r.Process
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
