// Package constraint validates generated drafts against platform output limits.
// Violations are reported, never repaired: a draft that does not fit is rejected
// by the caller rather than truncated.
package constraint

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Violation kinds. Only ViolationMaxLength is checked today; the others are
// reserved so new checks keep the same Result shape.
const (
	ViolationMaxLength  = "max_length"
	ViolationMinLength  = "min_length"
	ViolationBannedTerm = "banned_term"
)

// Constraints are the output limits of one platform.
type Constraints struct {
	// MaxLength is the maximum number of Unicode code points. Zero disables the check.
	MaxLength int `yaml:"max_length" json:"max_length"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid     bool   `json:"valid"`
	Violation string `json:"violation,omitempty"`
	Actual    int    `json:"actual,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Error describes the violation as an error message.
func (r Result) Error() string {
	if r.Valid {
		return ""
	}
	return fmt.Sprintf("%s violated: %d > %d", r.Violation, r.Actual, r.Limit)
}

// Validate checks text against c. Length is counted in code points, so a
// multi-byte character counts once.
func Validate(text string, c Constraints) Result {
	if c.MaxLength > 0 {
		n := utf8.RuneCountInString(text)
		if n > c.MaxLength {
			return Result{
				Valid:     false,
				Violation: ViolationMaxLength,
				Actual:    n,
				Limit:     c.MaxLength,
			}
		}
	}
	return Result{Valid: true}
}

// Table maps a platform name to its constraints.
type Table map[string]Constraints

// For returns the constraints for platform. Lookup is case-insensitive; an
// unknown platform yields the zero value.
func (t Table) For(platform string) Constraints {
	if c, ok := t[platform]; ok {
		return c
	}
	for name, c := range t {
		if strings.EqualFold(name, platform) {
			return c
		}
	}
	return Constraints{}
}

// DefaultTable returns the limits of the supported platforms.
func DefaultTable() Table {
	return Table{
		"bluesky":  {MaxLength: 300},
		"telegram": {MaxLength: 4096},
	}
}
