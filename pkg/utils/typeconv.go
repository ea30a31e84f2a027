package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/opendata-import/pkg/models"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// SnakeCase turns a source header such as "N° parcelle" into "n__parcelle":
// punctuation becomes "_", whitespace runs become "_", result lower-cased.
func SnakeCase(key string) string {
	key = nonWordRe.ReplaceAllString(key, "_")
	key = whitespaceRe.ReplaceAllString(key, "_")
	return strings.ToLower(key)
}

// NormalizeValue collapses whitespace runs and trims. Empty values become nil.
func NormalizeValue(val string) any {
	s := strings.TrimSpace(whitespaceRe.ReplaceAllString(val, " "))
	if s == "" {
		return nil
	}
	return s
}

// ConvertValue maps a raw CSV cell to the scalar the field config asks for.
// Empty input yields nil without error; required-ness is the caller's concern.
func ConvertValue(raw string, cfg models.FieldConfig) (any, error) {
	normalized := NormalizeValue(raw)
	if normalized == nil {
		return nil, nil
	}
	s := normalized.(string)

	if cfg.Format != "" {
		formatted, err := ApplyFormat(s, cfg.Format)
		if err != nil {
			return nil, err
		}
		if formatted == "" {
			return nil, nil
		}
		s = formatted
	}

	var (
		v   any
		err error
	)
	switch cfg.Type {
	case "", "string":
		return s, nil
	case "int":
		v, err = ConvertToInt(s)
	case "float":
		v, err = ConvertToFloat(s)
	case "bool":
		v, err = ConvertToBool(s)
	case "datetime":
		v, err = ConvertDateTime(s)
	default:
		return nil, fmt.Errorf("unknown field type %q", cfg.Type)
	}
	// A failed conversion must not leak the typed zero value.
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ApplyFormat runs a named string formatter.
func ApplyFormat(s, format string) (string, error) {
	switch format {
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	case "digits":
		return Digits(s), nil
	case "che_uid":
		return FormatCHEUID(s), nil
	case "che_uid_digits":
		d := Digits(s)
		if len(d) < 9 {
			return "", nil
		}
		return d[:9], nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatCHEUID renders a Swiss enterprise UID as CHE-XXX.XXX.XXX. Values with
// fewer than nine digits are returned unchanged.
func FormatCHEUID(raw string) string {
	d := Digits(raw)
	if len(d) < 9 {
		return raw
	}
	d = d[:9]
	return fmt.Sprintf("CHE-%s.%s.%s", d[:3], d[3:6], d[6:9])
}

// ConvertToInt accepts Swiss thousands separators ("1'234") and spaces.
func ConvertToInt(s string) (int64, error) {
	clean := strings.NewReplacer("'", "", "’", "", " ", "").Replace(s)
	v, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func ConvertToFloat(s string) (float64, error) {
	clean := strings.NewReplacer("'", "", "’", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(clean, 64)
	if err == nil {
		return v, nil
	}
	if strings.Count(clean, ",") == 1 && !strings.Contains(clean, ".") {
		if v, err := strconv.ParseFloat(strings.Replace(clean, ",", ".", 1), 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid number %q", s)
}

func ConvertToBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "y", "yes", "oui", "ja", "x":
		return true, nil
	case "0", "f", "false", "n", "no", "non", "nein":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2006/01/02",
}

// ConvertDateTime parses common date/time layouts and renders them as ISO 8601 text
// so the value stays a scalar string. Pure dates keep the YYYY-MM-DD form.
func ConvertDateTime(s string) (string, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.RFC3339), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("invalid date %q", s)
}
