package schema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/cespare/xxhash/v2"

	"github.com/xtwoend/bga-dse/internal/value"
)

// Width bounds for inferred string columns.
const (
	MinStringWidth = 50
	MaxStringWidth = 255

	maxTextLength = 65535

	// Strings longer than this are never tried as dates.
	maxDateLength = 64
)

// 32-bit signed range; integers outside it need a 64-bit column.
const (
	maxInt32 = 2147483647
	minInt32 = -2147483648
)

var numericLiteral = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// SanitizeName turns an arbitrary key into a lower-case identifier matching
// [a-z0-9_]+ that does not start with a digit.
//
// The function is total and deterministic. Keys that sanitize to nothing get
// a placeholder derived from a hash of the raw key, so the same key always
// maps to the same column.
func SanitizeName(raw string) string {
	trimmed := strings.Trim(raw, " \t\n\r\x00\x0b")

	var b strings.Builder
	b.Grow(len(trimmed))
	lastUnderscore := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			lastUnderscore = false
			continue
		}
		// Everything else, including '_' itself, collapses to one underscore.
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		return fmt.Sprintf("column_%016x", xxhash.Sum64String(raw))
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "col_" + name
	}
	return name
}

// DetermineType maps an observed value to a column type.
//
// Decision order: null, boolean, integer (by 32-bit range), float, numeric
// text, composite, date-like text, text by byte length. Unclassifiable
// values fall back to string; the function never fails.
func DetermineType(v value.Value) ColumnType {
	switch v.Kind() {
	case value.KindNull:
		return TypeString
	case value.KindBool:
		return TypeBoolean
	case value.KindInt:
		i, _ := v.AsInt()
		return integerType(i)
	case value.KindFloat:
		return TypeFloat
	case value.KindComposite:
		return TypeJSON
	case value.KindText:
		s, _ := v.AsText()
		if t, ok := numericTextType(s); ok {
			return t
		}
		if IsDateString(s) {
			return TypeDateTime
		}
		switch n := len(s); {
		case n > maxTextLength:
			return TypeLongText
		case n > MaxStringWidth:
			return TypeText
		default:
			return TypeString
		}
	default:
		return TypeString
	}
}

// StringWidth returns the declared width for a string column inferred from v:
// the observed byte length clamped to [50, 255], or 255 for non-text values.
func StringWidth(v value.Value) int {
	s, ok := v.AsText()
	if !ok {
		return MaxStringWidth
	}
	return min(max(len(s), MinStringWidth), MaxStringWidth)
}

// InferColumn derives the column for a raw key and an observed value.
func InferColumn(rawName string, v value.Value) ColumnSpec {
	spec := ColumnSpec{
		Name:     SanitizeName(rawName),
		Type:     DetermineType(v),
		Nullable: true,
	}
	if spec.Type == TypeString {
		spec.Width = StringWidth(v)
	}
	return spec
}

// IsDateString reports whether s parses as a calendar date or time.
// Strings without a digit are rejected before attempting a parse.
func IsDateString(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxDateLength || !strings.ContainsAny(s, "0123456789") {
		return false
	}
	if numericLiteral.MatchString(s) {
		return false
	}
	_, err := dateparse.ParseAny(s)
	return err == nil
}

// ParseNumericText converts a numeric literal to Int when it is integral and
// fits in int64, otherwise Float.
func ParseNumericText(s string) (value.Value, bool) {
	s = strings.TrimSpace(s)
	if !numericLiteral.MatchString(s) {
		return value.Null(), false
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i), true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !math.IsInf(f, 0) {
		return value.Null(), false
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return value.Int(int64(f)), true
	}
	return value.Float(f), true
}

func integerType(i int64) ColumnType {
	if i > maxInt32 || i < minInt32 {
		return TypeInteger64
	}
	return TypeInteger32
}

// numericTextType types a numeric literal by the value it parses to, so a
// literal beyond the int64 range becomes a float column.
func numericTextType(s string) (ColumnType, bool) {
	n, ok := ParseNumericText(s)
	if !ok {
		return TypeString, false
	}
	if i, isInt := n.AsInt(); isInt {
		return integerType(i), true
	}
	return TypeFloat, true
}
