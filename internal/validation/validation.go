// Package validation provides centralized input validation for group names,
// table identifiers and MQTT topics.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/xtwoend/bga-dse/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for configured names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// DefaultNameRules returns the rules for source and job names.
func DefaultNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required: %w", rules.MinLength, errors.ErrInvalidName)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed: %w", rules.MaxLength, errors.ErrInvalidName)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d: %w", i, errors.ErrInvalidName)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d: %w", r, i, errors.ErrInvalidName)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateEntityName validates a source or job name with default rules.
func ValidateEntityName(name string) error {
	return ValidateName(name, DefaultNameRules())
}

// =============================================================================
// Identifier Validation
// =============================================================================

// MaxIdentifierLength is the longest table or group name accepted. MySQL
// caps identifiers at 64 bytes; the other engines allow more.
const MaxIdentifierLength = 64

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateIdentifier checks that name is a lower-case SQL identifier safe to
// quote into DDL: [a-z_][a-z0-9_]*, at most 64 bytes.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty: %w", errors.ErrInvalidName)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q too long: maximum %d characters: %w", name, MaxIdentifierLength, errors.ErrInvalidName)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must match [a-z_][a-z0-9_]*: %w", name, errors.ErrInvalidName)
	}
	return nil
}

// ValidateGroup validates a buffer group name. Groups double as table names,
// so they follow identifier rules.
func ValidateGroup(group string) error {
	if err := ValidateIdentifier(group); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	return nil
}

// =============================================================================
// Topic Validation
// =============================================================================

// MaxTopicLength is the MQTT limit for topic names and filters.
const MaxTopicLength = 65535

// ValidateTopicPattern validates an MQTT subscription filter. '+' must fill
// a whole level and '#' must be the whole last level.
func ValidateTopicPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("topic pattern cannot be empty: %w", errors.ErrInvalidPattern)
	}
	if len(pattern) > MaxTopicLength {
		return fmt.Errorf("topic pattern too long: %w", errors.ErrInvalidPattern)
	}
	if strings.ContainsRune(pattern, 0) {
		return fmt.Errorf("topic pattern cannot contain NUL: %w", errors.ErrInvalidPattern)
	}

	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return fmt.Errorf("'#' must be the last level in %q: %w", pattern, errors.ErrInvalidPattern)
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("'+' must occupy a whole level in %q: %w", pattern, errors.ErrInvalidPattern)
		}
	}
	return nil
}

// ValidateTopic validates a topic name used for publishing.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty: %w", errors.ErrInvalidPattern)
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("topic too long: %w", errors.ErrInvalidPattern)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("topic %q cannot contain wildcards: %w", topic, errors.ErrInvalidPattern)
	}
	return nil
}

// =============================================================================
// Pattern Escaping
// =============================================================================

var globMetaChars = regexp.MustCompile(`[*?\[\]\\]`)

// EscapeGlobPattern escapes the metacharacters of a Redis MATCH pattern.
func EscapeGlobPattern(pattern string) string {
	return globMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeGlobPrefix creates a MATCH pattern for every key under prefix.
func SafeGlobPrefix(prefix string) string {
	return EscapeGlobPattern(prefix) + "*"
}
