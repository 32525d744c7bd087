package vm

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Number to string
// ---------------------------------------------------------------------------

// NumberToString formats d the way Number.prototype.toString does for
// radix 10: the shortest digit string that round-trips, in fixed notation
// for exponents in [-6, 21) and exponential notation otherwise.
func NumberToString(d float64) string {
	switch {
	case math.IsNaN(d):
		return "NaN"
	case math.IsInf(d, 1):
		return "Infinity"
	case math.IsInf(d, -1):
		return "-Infinity"
	case d == 0:
		return "0"
	}
	if i := int32(d); float64(i) == d {
		return strconv.FormatInt(int64(i), 10)
	}

	neg := d < 0
	if neg {
		d = -d
	}
	// Shortest round-trip digits and decimal exponent.
	e := strconv.FormatFloat(d, 'e', -1, 64)
	mant, exp, _ := strings.Cut(e, "e")
	digits := strings.Replace(mant, ".", "", 1)
	n, _ := strconv.Atoi(exp)
	n++ // position of the decimal point relative to the digits
	k := len(digits)

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	switch {
	case k <= n && n <= 21:
		sb.WriteString(digits)
		sb.WriteString(strings.Repeat("0", n-k))
	case 0 < n && n <= 21:
		sb.WriteString(digits[:n])
		sb.WriteByte('.')
		sb.WriteString(digits[n:])
	case -6 < n && n <= 0:
		sb.WriteString("0.")
		sb.WriteString(strings.Repeat("0", -n))
		sb.WriteString(digits)
	default:
		sb.WriteByte(digits[0])
		if k > 1 {
			sb.WriteByte('.')
			sb.WriteString(digits[1:])
		}
		sb.WriteByte('e')
		if n-1 >= 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(n - 1))
	}
	return sb.String()
}

const radixDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

// radixPrecision[r] is the number of radix-r fraction digits that carry the
// 52 bits of a double's mantissa.
var radixPrecision [37]int

func init() {
	for r := 2; r <= 36; r++ {
		radixPrecision[r] = int(math.Ceil(52 / math.Log2(float64(r))))
	}
}

// NumberToStringRadix formats d in radix 2..36. The integer part is
// produced by repeated division, the fraction by repeated multiplication up
// to the radix's precision, rounding half to even on the last kept digit.
func NumberToStringRadix(d float64, radix int) string {
	if radix == 10 {
		return NumberToString(d)
	}
	if radix < 2 || radix > 36 {
		panic("vm: radix out of range")
	}
	switch {
	case math.IsNaN(d):
		return "NaN"
	case math.IsInf(d, 1):
		return "Infinity"
	case math.IsInf(d, -1):
		return "-Infinity"
	case d == 0:
		return "0"
	}

	neg := d < 0
	if neg {
		d = -d
	}
	r := float64(radix)
	ip := math.Floor(d)
	fp := d - ip

	// Integer digits, least significant first.
	var intDigits []int
	for v := ip; v >= 1; v = math.Floor(v / r) {
		intDigits = append(intDigits, int(math.Mod(v, r)))
	}
	if len(intDigits) == 0 {
		intDigits = append(intDigits, 0)
	}

	// Fraction digits, most significant first, plus one guard digit.
	prec := radixPrecision[radix]
	var frac []int
	for fp > 0 && len(frac) <= prec {
		fp *= r
		dg := math.Floor(fp)
		frac = append(frac, int(dg))
		fp -= dg
	}

	if len(frac) > prec {
		guard := frac[prec]
		frac = frac[:prec]
		// The discarded tail in units of the guard digit, against one half
		// of the last kept digit.
		tail, half := float64(guard)+fp, r/2
		up := tail > half || (tail == half && frac[prec-1]%2 == 1)
		if up {
			carry := true
			for i := len(frac) - 1; i >= 0 && carry; i-- {
				frac[i]++
				if frac[i] == radix {
					frac[i] = 0
				} else {
					carry = false
				}
			}
			for i := 0; i < len(intDigits) && carry; i++ {
				intDigits[i]++
				if intDigits[i] == radix {
					intDigits[i] = 0
				} else {
					carry = false
				}
			}
			if carry {
				intDigits = append(intDigits, 1)
			}
		}
	}
	for len(frac) > 0 && frac[len(frac)-1] == 0 {
		frac = frac[:len(frac)-1]
	}

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i := len(intDigits) - 1; i >= 0; i-- {
		sb.WriteByte(radixDigits[intDigits[i]])
	}
	if len(frac) > 0 {
		sb.WriteByte('.')
		for _, dg := range frac {
			sb.WriteByte(radixDigits[dg])
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// String to number
// ---------------------------------------------------------------------------

// StringToNumber converts s with the ToNumber rules for strings. Short
// decimal strings without a leading zero take a fast path.
func StringToNumber(s string) float64 {
	if v, ok := smallIndex(s, math.MaxInt32); ok {
		return float64(v)
	}
	return parseNumber(s)
}

// smallIndex parses a canonical non-negative decimal integer below limit:
// ASCII digits only, no sign, no leading zero unless the string is "0".
func smallIndex(s string, limit int) (int, bool) {
	if s == "" || len(s) > 10 || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	v := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	if v >= limit {
		return 0, false
	}
	return v, true
}

// ArrayIndex reports whether name is a canonical array index.
func ArrayIndex(name string) (int, bool) {
	return smallIndex(name, math.MaxUint32)
}

func isJSSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ', 0xa0, 0x1680, 0x2028, 0x2029, 0x202f, 0x205f, 0x3000, 0xfeff:
		return true
	}
	return r >= 0x2000 && r <= 0x200a
}

func trimJSSpace(s string) string {
	for len(s) > 0 {
		r, n := utf8.DecodeRuneInString(s)
		if !isJSSpace(r) {
			break
		}
		s = s[n:]
	}
	for len(s) > 0 {
		r, n := utf8.DecodeLastRuneInString(s)
		if !isJSSpace(r) {
			break
		}
		s = s[:len(s)-n]
	}
	return s
}

func parseNumber(s string) float64 {
	s = trimJSSpace(s)
	if s == "" {
		return 0
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			return parseRadixInt(s[2:], base)
		}
	}
	body := s
	sign := 1.0
	if body[0] == '+' || body[0] == '-' {
		if body[0] == '-' {
			sign = -1
		}
		body = body[1:]
	}
	if body == "Infinity" {
		return sign * math.Inf(1)
	}
	if !isDecimalLiteral(body) {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(body, 64)
	if err != nil {
		// Out of range parses to ±Inf or ±0 alongside the error.
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return math.NaN()
		}
	}
	return sign * f
}

func parseRadixInt(s string, base int) float64 {
	if s == "" {
		return math.NaN()
	}
	v := 0.0
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(radixDigits, lower(s[i]))
		if d < 0 || d >= base {
			return math.NaN()
		}
		v = v*float64(base) + float64(d)
	}
	return v
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// isDecimalLiteral matches digits [. digits] [exponent] | . digits [exponent].
func isDecimalLiteral(s string) bool {
	i, n := 0, len(s)
	digits := func() int {
		start := i
		for i < n && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		return i - start
	}
	mant := digits()
	if i < n && s[i] == '.' {
		i++
		mant += digits()
	}
	if mant == 0 {
		return false
	}
	if i < n && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < n && (s[i] == '+' || s[i] == '-') {
			i++
		}
		if digits() == 0 {
			return false
		}
	}
	return i == n
}

// ---------------------------------------------------------------------------
// Integer conversions
// ---------------------------------------------------------------------------

// ToInt32 applies the ToInt32 wrap-around to a number.
func ToInt32(d float64) int32 {
	return int32(ToUint32(d))
}

// ToUint32 applies the ToUint32 wrap-around to a number.
func ToUint32(d float64) uint32 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	d = math.Trunc(d)
	d = math.Mod(d, 4294967296)
	if d < 0 {
		d += 4294967296
	}
	return uint32(d)
}

// ---------------------------------------------------------------------------
// Small integer string cache
// ---------------------------------------------------------------------------

func newNumberCache(size int) ([]*String, map[string]int32) {
	cache := make([]*String, size)
	index := make(map[string]int32, size)
	for i := range cache {
		cache[i] = NewString(strconv.Itoa(i))
		index[cache[i].s] = int32(i)
	}
	return cache, index
}

// stringToNumber is StringToNumber with cached small integer strings
// answered from the cache table.
func (rt *Runtime) stringToNumber(s *String) float64 {
	if v, ok := rt.numberIndex[s.s]; ok {
		return float64(v)
	}
	return StringToNumber(s.s)
}

// numberString returns a cached static string for small non-negative
// integers and nil otherwise.
func (rt *Runtime) numberString(d float64) *String {
	if i := int(d); float64(i) == d && i >= 0 && i < len(rt.numbers) && !math.Signbit(d) {
		return rt.numbers[i]
	}
	return nil
}
