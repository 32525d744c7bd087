package vm

import (
	"math"
	"testing"
)

func TestNumberToString(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{math.Copysign(0, -1), "0"},
		{1, "1"},
		{-1, "-1"},
		{0.1, "0.1"},
		{1.5, "1.5"},
		{-2.25, "-2.25"},
		{123456789012, "123456789012"},
		{1e20, "100000000000000000000"},
		{1e21, "1e+21"},
		{1.5e-7, "1.5e-7"},
		{0.000001, "0.000001"},
		{1e-7, "1e-7"},
		{math.Nextafter(0.3, 1), "0.30000000000000004"},
		{math.MaxFloat64, "1.7976931348623157e+308"},
		{5e-324, "5e-324"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
	}
	for _, tt := range tests {
		if got := NumberToString(tt.in); got != tt.want {
			t.Errorf("NumberToString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNumberToStringRadix(t *testing.T) {
	tests := []struct {
		in    float64
		radix int
		want  string
	}{
		{255, 16, "ff"},
		{255, 2, "11111111"},
		{-255, 36, "-73"},
		{0.5, 2, "0.1"},
		{0.5, 16, "0.8"},
		{3.75, 2, "11.11"},
		{35, 36, "z"},
		{0, 7, "0"},
		{math.NaN(), 2, "NaN"},
		{42, 10, "42"},
	}
	for _, tt := range tests {
		if got := NumberToStringRadix(tt.in, tt.radix); got != tt.want {
			t.Errorf("NumberToStringRadix(%v, %d) = %q, want %q", tt.in, tt.radix, got, tt.want)
		}
	}
}

func TestNumberToStringRadixPrecision(t *testing.T) {
	// 0.1 has no finite binary expansion; the output is bounded by the
	// radix precision and must not end in a zero digit.
	s := NumberToStringRadix(0.1, 2)
	if len(s) > 2+radixPrecision[2] {
		t.Errorf("binary 0.1 has %d fraction digits, limit %d", len(s)-2, radixPrecision[2])
	}
	if s[len(s)-1] == '0' {
		t.Errorf("trailing zero in %q", s)
	}
}

func TestStringToNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0", 0},
		{"42", 42},
		{"007", 7},
		{"  3.5\n", 3.5},
		{"-12", -12},
		{"+12", 12},
		{"", 0},
		{"   ", 0},
		{"1e3", 1000},
		{".5", 0.5},
		{"5.", 5},
		{"0x10", 16},
		{"0X1f", 31},
		{"0b101", 5},
		{"0o17", 15},
		{"Infinity", math.Inf(1)},
		{"-Infinity", math.Inf(-1)},
		{"4294967296", 4294967296},
	}
	for _, tt := range tests {
		if got := StringToNumber(tt.in); got != tt.want {
			t.Errorf("StringToNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, in := range []string{"abc", "1x", "0x", "--1", "infinity", "1_000", "0b2", "- 1"} {
		if got := StringToNumber(in); !math.IsNaN(got) {
			t.Errorf("StringToNumber(%q) = %v, want NaN", in, got)
		}
	}
}

func TestArrayIndex(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0", 0, true},
		{"17", 17, true},
		{"017", 0, false},
		{"-1", 0, false},
		{"1.0", 0, false},
		{"", 0, false},
		{"length", 0, false},
	}
	for _, tt := range tests {
		got, ok := ArrayIndex(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ArrayIndex(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestToInt32AndUint32(t *testing.T) {
	tests := []struct {
		in  float64
		i32 int32
		u32 uint32
	}{
		{0, 0, 0},
		{1.9, 1, 1},
		{-1.9, -1, 4294967295},
		{4294967296, 0, 0},
		{2147483648, -2147483648, 2147483648},
		{math.NaN(), 0, 0},
		{math.Inf(1), 0, 0},
	}
	for _, tt := range tests {
		if got := ToInt32(tt.in); got != tt.i32 {
			t.Errorf("ToInt32(%v) = %d, want %d", tt.in, got, tt.i32)
		}
		if got := ToUint32(tt.in); got != tt.u32 {
			t.Errorf("ToUint32(%v) = %d, want %d", tt.in, got, tt.u32)
		}
	}
}

func TestNumberStringCache(t *testing.T) {
	rt := newTestRuntime(t, WithSmallIntCache(10))
	if s := rt.numberString(9); s == nil || s.Go() != "9" {
		t.Errorf("numberString(9) = %v", s)
	}
	for _, d := range []float64{10, -1, 1.5, math.Copysign(0, -1)} {
		if s := rt.numberString(d); s != nil {
			t.Errorf("numberString(%v) = %q, want nil", d, s.Go())
		}
	}
}

func TestStringToNumberSmallIntCache(t *testing.T) {
	rt, err := NewRuntime(WithSmallIntCache(8))
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if len(rt.numberIndex) != 8 {
		t.Fatalf("cache table holds %d entries, want 8", len(rt.numberIndex))
	}
	ctx := rt.Context()
	for _, tt := range []struct {
		in   string
		want float64
	}{
		{"0", 0},
		{"7", 7},
		{"8", 8},
		{"07", 7},
		{" 7", 7},
		{"-7", -7},
	} {
		got, err := ctx.ToNumber(FromString(NewString(tt.in)))
		if err != nil || got != tt.want {
			t.Errorf("ToNumber(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if s := rt.numberString(7); s == nil || rt.stringToNumber(s) != 7 {
		t.Errorf("cached string for 7 does not convert back")
	}
}
