package normalize

import (
	"time"

	"github.com/aristath/billsync/internal/domain"
)

// Fields reads one raw record and remembers which present fields failed to
// parse. Those are reported as record ambiguities, not errors.
type Fields struct {
	raw       domain.RawRecord
	loc       *time.Location
	ambiguous []string
}

// NewFields wraps a raw record; loc is used for timestamps without a zone
func NewFields(raw domain.RawRecord, loc *time.Location) *Fields {
	if loc == nil {
		loc = time.Local
	}
	return &Fields{raw: raw, loc: loc}
}

// Raw returns the first present (non-sentinel) value among keys
func (f *Fields) Raw(keys ...string) (interface{}, string, bool) {
	for _, key := range keys {
		v, ok := f.raw[key]
		if !ok {
			continue
		}
		if _, present := Text(v); present {
			return v, key, true
		}
	}
	return nil, "", false
}

// String returns the first present value among keys as text
func (f *Fields) String(keys ...string) *string {
	v, _, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	return String(v)
}

// Money parses the first present value among keys
func (f *Fields) Money(keys ...string) *float64 {
	v, key, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	m := Money(v)
	if m == nil {
		f.flag(key)
	}
	return m
}

// Timestamp parses the first present value among keys
func (f *Fields) Timestamp(keys ...string) *string {
	v, key, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	ts := Timestamp(v, f.loc)
	if ts == nil {
		f.flag(key)
	}
	return ts
}

// Operator maps the first present value among keys to a carrier
func (f *Fields) Operator(keys ...string) domain.Operator {
	v, key, ok := f.Raw(keys...)
	if !ok {
		return domain.OperatorNone
	}
	op := OperatorCode(v)
	if op == domain.OperatorNone {
		f.flag(key)
	}
	return op
}

// CardNumber extracts digits from the first present value among keys
func (f *Fields) CardNumber(keys ...string) *string {
	v, key, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	card := CardNumber(v)
	if card == nil {
		f.flag(key)
	}
	return card
}

// ICCID upper-cases the first present value among keys
func (f *Fields) ICCID(keys ...string) *string {
	v, _, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	return ICCID(v)
}

// Remark cleans the first present value among keys
func (f *Fields) Remark(keys ...string) *string {
	v, _, ok := f.Raw(keys...)
	if !ok {
		return nil
	}
	return Remark(v)
}

// Ambiguities returns the keys that were present but unparsable
func (f *Fields) Ambiguities() []string {
	if len(f.ambiguous) == 0 {
		return nil
	}
	out := make([]string, len(f.ambiguous))
	copy(out, f.ambiguous)
	return out
}

func (f *Fields) flag(key string) {
	for _, k := range f.ambiguous {
		if k == key {
			return
		}
	}
	f.ambiguous = append(f.ambiguous, key)
}
