// Package validation provides input validation for request DTOs
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// Validator collects the first problem found per field
type Validator struct {
	fields map[string]string
}

// New creates a new Validator
func New() *Validator {
	return &Validator{fields: make(map[string]string)}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.fields) > 0
}

// AddError records a problem for field unless one is already recorded
func (v *Validator) AddError(field, message string) {
	if _, ok := v.fields[field]; !ok {
		v.fields[field] = message
	}
}

// Err returns nil or an *Error describing every invalid field
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	out := make(map[string]string, len(v.fields))
	for k, m := range v.fields {
		out[k] = m
	}
	return &Error{Fields: out}
}

// Required validates that a value is not blank
func (v *Validator) Required(value, field string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, fmt.Sprintf("%s is required", field))
	}
	return v
}

// MinLength validates minimum string length
func (v *Validator) MinLength(value string, min int, field string) *Validator {
	if utf8.RuneCountInString(value) < min {
		v.AddError(field, fmt.Sprintf("%s must be at least %d characters", field, min))
	}
	return v
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(value string, max int, field string) *Validator {
	if utf8.RuneCountInString(value) > max {
		v.AddError(field, fmt.Sprintf("%s must be at most %d characters", field, max))
	}
	return v
}

// Email validates email format
func (v *Validator) Email(value, field string) *Validator {
	if !emailRegex.MatchString(value) {
		v.AddError(field, fmt.Sprintf("%s must be a valid email address", field))
	}
	return v
}

// UUID validates UUID format
func (v *Validator) UUID(value, field string) *Validator {
	if !uuidRegex.MatchString(value) {
		v.AddError(field, fmt.Sprintf("%s must be a valid UUID", field))
	}
	return v
}

// Currency validates a three-letter ISO 4217 code. Blank passes.
func (v *Validator) Currency(value, field string) *Validator {
	if value != "" && !currencyRegex.MatchString(value) {
		v.AddError(field, fmt.Sprintf("%s must be a three-letter currency code", field))
	}
	return v
}

// Min validates minimum int value
func (v *Validator) Min(value, min int64, field string) *Validator {
	if value < min {
		v.AddError(field, fmt.Sprintf("%s must be at least %d", field, min))
	}
	return v
}

// Range validates int is within range
func (v *Validator) Range(value, min, max int64, field string) *Validator {
	if value < min || value > max {
		v.AddError(field, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
	return v
}

// OneOf validates value is one of allowed values
func (v *Validator) OneOf(value string, allowed []string, field string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.AddError(field, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
	return v
}

// Password validates password strength
func (v *Validator) Password(value string, minLength int, field string) *Validator {
	if utf8.RuneCountInString(value) < minLength {
		v.AddError(field, fmt.Sprintf("%s must be at least %d characters", field, minLength))
		return v
	}
	var hasLetter, hasDigit bool
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		v.AddError(field, fmt.Sprintf("%s must contain letters and numbers", field))
	}
	return v
}

// Error is returned by Err
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, "; ")
}
