package mi

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Datetime is a CIM datetime: either a point in time or an interval.
type Datetime struct {
	IsInterval bool

	// Time is the timestamp. Its location carries the UTC offset.
	Time time.Time

	// Interval is the duration when IsInterval is set.
	Interval time.Duration
}

// NewTimestamp returns a timestamp Datetime.
func NewTimestamp(t time.Time) Datetime {
	return Datetime{Time: t}
}

// NewInterval returns an interval Datetime.
func NewInterval(d time.Duration) Datetime {
	return Datetime{IsInterval: true, Interval: d}
}

// String formats d in DMTF form: yyyymmddHHMMSS.mmmmmmsUUU for timestamps and
// ddddddddHHMMSS.mmmmmm:000 for intervals.
func (d Datetime) String() string {
	if d.IsInterval {
		iv := d.Interval
		if iv < 0 {
			iv = -iv
		}
		days := iv / (24 * time.Hour)
		iv -= days * 24 * time.Hour
		hours := iv / time.Hour
		iv -= hours * time.Hour
		mins := iv / time.Minute
		iv -= mins * time.Minute
		secs := iv / time.Second
		iv -= secs * time.Second
		micros := iv / time.Microsecond
		return fmt.Sprintf("%08d%02d%02d%02d.%06d:000", days, hours, mins, secs, micros)
	}
	_, offset := d.Time.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s.%06d%c%03d",
		d.Time.Format("20060102150405"), d.Time.Nanosecond()/1000, sign, offset/60)
}

// ParseDatetime parses a DMTF datetime string.
func ParseDatetime(s string) (Datetime, error) {
	if len(s) != 25 || s[14] != '.' {
		return Datetime{}, fmt.Errorf("mi: invalid datetime %q", s)
	}
	micros, err := strconv.Atoi(s[15:21])
	if err != nil {
		return Datetime{}, fmt.Errorf("mi: invalid datetime %q: %w", s, err)
	}
	if s[21] == ':' {
		days, err1 := strconv.Atoi(s[0:8])
		hours, err2 := strconv.Atoi(s[8:10])
		mins, err3 := strconv.Atoi(s[10:12])
		secs, err4 := strconv.Atoi(s[12:14])
		for _, e := range []error{err1, err2, err3, err4} {
			if e != nil {
				return Datetime{}, fmt.Errorf("mi: invalid interval %q: %w", s, e)
			}
		}
		d := time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second +
			time.Duration(micros)*time.Microsecond
		return NewInterval(d), nil
	}
	if s[21] != '+' && s[21] != '-' {
		return Datetime{}, fmt.Errorf("mi: invalid datetime offset in %q", s)
	}
	offset, err := strconv.Atoi(s[22:25])
	if err != nil {
		return Datetime{}, fmt.Errorf("mi: invalid datetime offset in %q: %w", s, err)
	}
	if s[21] == '-' {
		offset = -offset
	}
	loc := time.FixedZone("", offset*60)
	t, err := time.ParseInLocation("20060102150405", s[:14], loc)
	if err != nil {
		return Datetime{}, fmt.Errorf("mi: invalid datetime %q: %w", s, err)
	}
	return NewTimestamp(t.Add(time.Duration(micros) * time.Microsecond)), nil
}

// Coerce converts v to the native representation of type t. Nil is returned
// unchanged. Arrays accept any slice and yield []any.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t.IsArray() {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, typeMismatch(t, v)
		}
		out := make([]any, rv.Len())
		for i := range out {
			item, err := Coerce(t.Elem(), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	}

	switch t {
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, typeMismatch(t, v)
			}
			return parsed, nil
		}
	case TypeUint8, TypeSint8, TypeUint16, TypeSint16, TypeUint32, TypeSint32, TypeUint64, TypeSint64, TypeChar16:
		return coerceInteger(t, v)
	case TypeReal32, TypeReal64:
		return coerceReal(t, v)
	case TypeDatetime:
		switch d := v.(type) {
		case Datetime:
			return d, nil
		case time.Time:
			return NewTimestamp(d), nil
		case time.Duration:
			return NewInterval(d), nil
		case string:
			parsed, err := ParseDatetime(d)
			if err != nil {
				return nil, typeMismatch(t, v)
			}
			return parsed, nil
		}
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case TypeReference, TypeInstance:
		if inst, ok := v.(*Instance); ok {
			return inst, nil
		}
	}
	return nil, typeMismatch(t, v)
}

func coerceInteger(t Type, v any) (any, error) {
	var (
		i      int64
		u      uint64
		signed bool
	)
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, signed = rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u = rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return nil, typeMismatch(t, v)
		}
		if f < 0 {
			i, signed = int64(f), true
		} else {
			u = uint64(f)
		}
	case reflect.String:
		s := strings.TrimSpace(rv.String())
		if t == TypeChar16 && len([]rune(s)) == 1 {
			return uint16([]rune(s)[0]), nil
		}
		// Decimal first so that leading zeros are not read as octal.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			i, signed = n, true
		} else if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			u = n
		} else if n, err := strconv.ParseUint(s, 0, 64); err == nil {
			u = n
		} else {
			return nil, typeMismatch(t, v)
		}
	default:
		return nil, typeMismatch(t, v)
	}
	if signed && i >= 0 {
		u, signed = uint64(i), false
	}

	bits := map[Type]int{
		TypeUint8: 8, TypeSint8: 8, TypeUint16: 16, TypeSint16: 16, TypeChar16: 16,
		TypeUint32: 32, TypeSint32: 32, TypeUint64: 64, TypeSint64: 64,
	}[t]
	isSigned := t == TypeSint8 || t == TypeSint16 || t == TypeSint32 || t == TypeSint64

	if signed {
		if !isSigned || i < -(1<<(bits-1)) {
			return nil, typeMismatch(t, v)
		}
	} else {
		limit := uint64(math.MaxUint64)
		if bits < 64 {
			limit = 1<<bits - 1
		}
		if isSigned {
			limit >>= 1
		}
		if u > limit {
			return nil, typeMismatch(t, v)
		}
		i = int64(u)
	}

	switch t {
	case TypeUint8:
		return uint8(u), nil
	case TypeSint8:
		return int8(i), nil
	case TypeUint16, TypeChar16:
		return uint16(u), nil
	case TypeSint16:
		return int16(i), nil
	case TypeUint32:
		return uint32(u), nil
	case TypeSint32:
		return int32(i), nil
	case TypeUint64:
		return u, nil
	default:
		return i, nil
	}
}

func coerceReal(t Type, v any) (any, error) {
	var f float64
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		f = rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f = float64(rv.Uint())
	case reflect.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
		if err != nil {
			return nil, typeMismatch(t, v)
		}
		f = parsed
	default:
		return nil, typeMismatch(t, v)
	}
	if t == TypeReal32 {
		return float32(f), nil
	}
	return f, nil
}

// ParseValue parses the text form of a scalar value of type t, as found in
// CIM-XML VALUE elements and WS-Management property elements. Reference and
// Instance types cannot be parsed from text.
func ParseValue(t Type, s string) (any, error) {
	if t.IsArray() || t == TypeReference || t == TypeInstance {
		return nil, fmt.Errorf("mi: cannot parse %s from text", t)
	}
	if t == TypeString {
		return s, nil
	}
	if t == TypeChar16 {
		if n, err := strconv.ParseUint(s, 10, 16); err == nil {
			return uint16(n), nil
		}
	}
	if t == TypeBoolean {
		// CIM-XML uses TRUE/FALSE.
		s = strings.ToLower(strings.TrimSpace(s))
	}
	return Coerce(t, s)
}

// FormatValue renders a native scalar value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case Datetime:
		return x.String()
	case string:
		return x
	case *Instance:
		p, _ := x.Path()
		return p
	default:
		return fmt.Sprint(x)
	}
}

func typeMismatch(t Type, v any) error {
	return &Error{
		Result:  ResultTypeMismatch,
		Message: fmt.Sprintf("cannot convert %T to %s", v, t),
	}
}
