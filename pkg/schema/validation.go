package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValidationSeverity ranks an issue. Errors reject a definition; warnings
// are returned to the author next to the stored workflow.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// RootPath locates issues about the document as a whole.
const RootPath = "/"

// StepPath locates a field of the i-th step: StepPath(0, "endpointUri") is
// "run[0].endpointUri". An empty field names the step itself.
func StepPath(i int, field string) string {
	p := "run[" + strconv.Itoa(i) + "]"
	if field == "" {
		return p
	}
	return p + "." + field
}

// stepIndex extracts i from a path rooted at run[i].
func stepIndex(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, "run[")
	if !ok {
		return 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end <= 0 {
		return 0, false
	}
	i, err := strconv.Atoi(rest[:end])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// ValidationIssue is one problem found in a workflow or task document.
// Step is set when Path points inside run[i].
type ValidationIssue struct {
	Path     string             `json:"path"`
	Step     *int               `json:"step,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders the issue as "path: message", or the bare message at the root.
func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == RootPath {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one document.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the document may be stored. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(SeverityError, path, code, message))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(SeverityWarning, path, code, message))
}

func newIssue(sev ValidationSeverity, path, code, message string) ValidationIssue {
	if path == "" {
		path = RootPath
	}
	issue := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if i, ok := stepIndex(path); ok {
		issue.Step = &i
	}
	return issue
}

// Merge appends the issues of other, keeping their order.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ForStep returns the errors then the warnings located in step i.
func (r *ValidationResult) ForStep(i int) []ValidationIssue {
	var out []ValidationIssue
	for _, group := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range group {
			if issue.Step != nil && *issue.Step == i {
				out = append(out, issue)
			}
		}
	}
	return out
}

// failingSteps lists, in order, the indexes of steps holding an error.
func (r *ValidationResult) failingSteps() []int {
	seen := map[int]bool{}
	steps := []int{}
	for _, issue := range r.Errors {
		if issue.Step != nil && !seen[*issue.Step] {
			seen[*issue.Step] = true
			steps = append(steps, *issue.Step)
		}
	}
	sort.Ints(steps)
	return steps
}

// ToError returns a VALIDATION_ERROR describing the errors, or nil when the
// document is valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%d validation errors, first: %s", n, msg)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"failing_steps": r.failingSteps(),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
