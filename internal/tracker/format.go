package tracker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Args holds the positional arguments of an operation taking more than one.
type Args []any

// FormatArgs renders the positional arguments of a call as a tuple: (1,) or ('a', 2).
func FormatArgs(in any) string {
	args, ok := in.(Args)
	if !ok {
		args = Args{in}
	}

	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = repr(a)
	}

	switch len(parts) {
	case 0:
		return "()"
	case 1:
		return "(" + parts[0] + ",)"
	default:
		return "(" + strings.Join(parts, ", ") + ")"
	}
}

// FormatOutput renders a call result the way it is stored: text verbatim, numbers in decimal.
func FormatOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool, float32, float64:
		return scalar(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// FormatError renders a failed call's output.
func FormatError(err error) string {
	return "error: " + err.Error()
}

func repr(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return quote(x)
	case []byte:
		return "b" + quote(string(x))
	case bool, float32, float64:
		return scalar(x)
	case fmt.Stringer:
		return quote(x.String())
	default:
		return fmt.Sprint(x)
	}
}

// scalar renders booleans as True/False and floats with a decimal point or exponent: 1.0, 1e-05.
func scalar(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	if abs := math.Abs(f); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, bitSize)
	}
	s := strconv.FormatFloat(f, 'f', -1, bitSize)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// quote single-quotes s, escaping backslashes, single quotes and non-printable runes.
func quote(s string) string {
	q := strconv.Quote(s)
	q = q[1 : len(q)-1]
	q = strings.ReplaceAll(q, `\"`, `"`)
	q = strings.ReplaceAll(q, `'`, `\'`)
	return "'" + q + "'"
}
