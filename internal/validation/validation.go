// Package validation checks request input before it reaches the escrow
// service.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps request bodies at 64KB.
	MaxRequestSize = 64 << 10
	// MaxReasonLength bounds free-text fields such as issue reasons.
	MaxReasonLength = 1000
)

// Provider ids (pi_..., acct_..., pm_...) and listing slugs.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

// IsValidID reports whether s is a well-formed identifier.
func IsValidID(s string) bool { return idPattern.MatchString(s) }

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors in rule order.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field; nil means it passed.
type Rule func() *FieldError

// Validate runs every rule and returns the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func fail(field, msg string) *FieldError { return &FieldError{Field: field, Message: msg} }

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidID rejects malformed identifiers. Empty values pass; pair with
// Required when the field is mandatory.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return fail(field, "must be an identifier (letters, digits, '_' or '-')")
		}
		return nil
	}
}

// MaxLength rejects values longer than n bytes.
func MaxLength(field, value string, n int) Rule {
	return func() *FieldError {
		if len(value) > n {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// IntRange rejects values outside [lo, hi]. hi of 0 leaves the top open.
func IntRange(field string, value, lo, hi int) Rule {
	return func() *FieldError {
		if value < lo || (hi > 0 && value > hi) {
			return fail(field, "is out of range")
		}
		return nil
	}
}

// SanitizeString trims s, drops control characters other than newline and
// tab, and cuts it to at most maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// RequestSizeMiddleware limits request bodies to maxSize bytes. Routes
// listed in exempt enforce their own limit.
func RequestSizeMiddleware(maxSize int64, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(exempt))
	for _, path := range exempt {
		skip[path] = true
	}
	return func(c *gin.Context) {
		if !skip[c.FullPath()] {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// IDParamMiddleware rejects a malformed :id path parameter with 400.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must contain only letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
