// Package normalize converts platform-native field values into canonical values.
// Every function is total: unusable input yields nil (absent), never a placeholder.
package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/billsync/internal/domain"
)

// sentinels are upstream placeholders for "no value", compared case-insensitively
var sentinels = map[string]struct{}{
	"":     {},
	"null": {},
	"n/a":  {},
	"nan":  {},
	"none": {},
	"-":    {},
	"--":   {},
	"未知":   {},
	"未采集":  {},
}

// timeLayouts are tried in order; single-digit fields are accepted
var timeLayouts = []string{
	"2006-1-2 15:4:5",
	"2006/1/2 15:4:5",
	"2006-1-2T15:4:5",
	"20060102 15:4:5",
	"2006-1-2 15:4",
	"2006/1/2 15:4",
	"2006年1月2日 15:4:5",
	"2006-1-2",
	"2006/1/2",
	time.RFC3339,
}

var (
	digitRuns    = regexp.MustCompile(`\d+`)
	remarkStrip  = regexp.MustCompile(`[/\\*#@$%^&|]`)
	thousandsSep = strings.NewReplacer(",", "", "，", "")
)

// IsSentinel reports whether s (after trimming) is a placeholder for "no value"
func IsSentinel(s string) bool {
	_, ok := sentinels[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// Text renders a raw JSON value as trimmed text. ok is false for nil and
// sentinel values.
func Text(v interface{}) (string, bool) {
	var s string
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		s = val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", false
		}
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	case json.Number:
		s = val.String()
	case bool:
		s = strconv.FormatBool(val)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if IsSentinel(s) {
		return "", false
	}
	return s, true
}

// String normalizes a free-text field
func String(v interface{}) *string {
	s, ok := Text(v)
	if !ok {
		return nil
	}
	return &s
}

// Round2 rounds half away from zero to two decimal places
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Money parses a decimal amount, dropping thousands separators, rounded to cents
func Money(v interface{}) *float64 {
	f, ok := parseMoney(v)
	if !ok {
		return nil
	}
	return &f
}

func parseMoney(v interface{}) (float64, bool) {
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return Round2(f), true
	}
	s, ok := Text(v)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(thousandsSep.Replace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return Round2(f), true
}

// ParseTime tries every known layout, then Unix seconds (10 digits) and
// milliseconds (13 digits).
func ParseTime(v interface{}, loc *time.Location) (time.Time, bool) {
	s, ok := Text(v)
	if !ok {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), true
		}
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		switch len(s) {
		case 10:
			return time.Unix(n, 0).In(loc), true
		case 13:
			return time.UnixMilli(n).In(loc), true
		}
	}
	return time.Time{}, false
}

// Timestamp normalizes a time value to the canonical layout
func Timestamp(v interface{}, loc *time.Location) *string {
	t, ok := ParseTime(v, loc)
	if !ok {
		return nil
	}
	s := t.Format(domain.TimeLayout)
	return &s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// OperatorCode maps carrier names and codes to a canonical operator.
// Unrecognized carriers are absent.
func OperatorCode(v interface{}) domain.Operator {
	s, ok := Text(v)
	if !ok {
		return domain.OperatorNone
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "CM") || strings.Contains(s, "移动"):
		return domain.OperatorCM
	case strings.Contains(upper, "CT") || strings.Contains(s, "电信") || strings.Contains(upper, "TELECOM"):
		return domain.OperatorCT
	case strings.Contains(upper, "CU") || strings.Contains(s, "联通") || strings.Contains(upper, "UNICOM"):
		return domain.OperatorCU
	}
	return domain.OperatorNone
}

// CardNumber keeps only the digit runs of a card number, concatenated
func CardNumber(v interface{}) *string {
	s, ok := Text(v)
	if !ok {
		return nil
	}
	digits := strings.Join(digitRuns.FindAllString(s, -1), "")
	if digits == "" {
		return nil
	}
	return &digits
}

// ICCID normalizes an ICCID to upper case
func ICCID(v interface{}) *string {
	s, ok := Text(v)
	if !ok {
		return nil
	}
	s = strings.ToUpper(s)
	return &s
}

// Remark strips markup-ish punctuation from a remark
func Remark(v interface{}) *string {
	s, ok := Text(v)
	if !ok {
		return nil
	}
	return String(remarkStrip.ReplaceAllString(s, ""))
}

// Difference returns a - b, or nil when either operand is absent
func Difference(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	d := Round2(*a - *b)
	return &d
}
