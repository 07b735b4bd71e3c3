package schema

import (
	"regexp"
	"strings"
	"testing"
	"testing/quick"

	"github.com/xtwoend/bga-dse/internal/value"
)

func TestDetermineType(t *testing.T) {
	tests := []struct {
		name  string
		input value.Value
		want  ColumnType
	}{
		{"int", value.Int(42), TypeInteger32},
		{"int32 max", value.Int(2147483647), TypeInteger32},
		{"int32 min", value.Int(-2147483648), TypeInteger32},
		{"above int32", value.Int(2147483648), TypeInteger64},
		{"below int32", value.Int(-2147483649), TypeInteger64},
		{"float", value.Float(3.14), TypeFloat},
		{"integral float", value.Float(87.0), TypeFloat},
		{"numeric text fraction", value.Text("3.14"), TypeFloat},
		{"numeric text integer", value.Text("42"), TypeInteger32},
		{"numeric text big", value.Text("2147483648"), TypeInteger64},
		{"numeric text beyond int64", value.Text("99999999999999999999"), TypeFloat},
		{"numeric exponent beyond int64", value.Text("1e20"), TypeFloat},
		{"numeric text int64 max", value.Text("9223372036854775807"), TypeInteger64},
		{"numeric text padded", value.Text(" 7 "), TypeInteger32},
		{"numeric text exponent", value.Text("1e3"), TypeInteger32},
		{"true", value.Bool(true), TypeBoolean},
		{"false", value.Bool(false), TypeBoolean},
		{"null", value.Null(), TypeString},
		{"hello", value.Text("hello"), TypeString},
		{"empty text", value.Text(""), TypeString},
		{"300 bytes", value.Text(strings.Repeat("x", 300)), TypeText},
		{"65535 bytes", value.Text(strings.Repeat("x", 65535)), TypeText},
		{"70000 bytes", value.Text(strings.Repeat("x", 70000)), TypeLongText},
		{"object", value.MustComposite(`{"k":"v"}`), TypeJSON},
		{"array", value.MustComposite(`[1,2]`), TypeJSON},
		{"date", value.Text("2023-12-25"), TypeDateTime},
		{"datetime", value.Text("2023-12-25 10:30:00"), TypeDateTime},
		{"rfc3339", value.Text("2023-12-25T10:30:00Z"), TypeDateTime},
		{"not a date", value.Text("not-a-date"), TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineType(tt.input); got != tt.want {
				t.Errorf("DetermineType(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDetermineType_Deterministic(t *testing.T) {
	inputs := []value.Value{
		value.Int(1), value.Text("2023-12-25"), value.Text("abc"), value.Null(),
		value.MustComposite(`{"a":[1,2]}`), value.Float(0.5),
	}
	for _, in := range inputs {
		first := InferColumn("Key", in)
		for i := 0; i < 5; i++ {
			if got := InferColumn("Key", in); got != first {
				t.Fatalf("InferColumn(%v) changed between calls: %+v vs %+v", in, got, first)
			}
		}
	}
}

func TestStringWidth(t *testing.T) {
	tests := []struct {
		input value.Value
		want  int
	}{
		{value.Text("hello"), 50},
		{value.Text(strings.Repeat("x", 120)), 120},
		{value.Text(strings.Repeat("x", 255)), 255},
		{value.Null(), 255},
	}

	for _, tt := range tests {
		if got := StringWidth(tt.input); got != tt.want {
			t.Errorf("StringWidth(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}

	spec := InferColumn("status", value.Text("running"))
	if spec.Type != TypeString || spec.Width != 50 || !spec.Nullable {
		t.Errorf("InferColumn(status) = %+v", spec)
	}
	if spec := InferColumn("x", value.Int(1)); spec.Width != 0 {
		t.Errorf("non-string column carries width %d", spec.Width)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"oil_pressure", "oil_pressure"},
		{"Oil-Pressure", "oil_pressure"},
		{"  Temp (°C) ", "temp_c"},
		{"a.b.c", "a_b_c"},
		{"__a__b__", "a_b"},
		{"a  -  b", "a_b"},
		{"1st_value", "col_1st_value"},
		{"2023", "col_2023"},
		{"RPM", "rpm"},
	}

	for _, tt := range tests {
		if got := SanitizeName(tt.input); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitizeName_Placeholder(t *testing.T) {
	placeholder := regexp.MustCompile(`^column_[0-9a-f]{16}$`)

	for _, in := range []string{"", "!!!", "___", "   ", "°°"} {
		got := SanitizeName(in)
		if !placeholder.MatchString(got) {
			t.Errorf("SanitizeName(%q) = %q, want column_<16 hex>", in, got)
		}
		if again := SanitizeName(in); again != got {
			t.Errorf("SanitizeName(%q) not deterministic: %q vs %q", in, got, again)
		}
	}

	if SanitizeName("!!!") == SanitizeName("???") {
		t.Error("different raw keys share a placeholder")
	}
}

func TestSanitizeName_Properties(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

	property := func(raw string) bool {
		got := SanitizeName(raw)
		return got != "" &&
			valid.MatchString(got) &&
			!(got[0] >= '0' && got[0] <= '9') &&
			SanitizeName(raw) == got
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestParseNumericText(t *testing.T) {
	tests := []struct {
		input  string
		want   value.Value
		wantOK bool
	}{
		{"42", value.Int(42), true},
		{"-7", value.Int(-7), true},
		{" 3.14 ", value.Float(3.14), true},
		{"1e3", value.Int(1000), true},
		{"87.0", value.Int(87), true},
		{".5", value.Float(0.5), true},
		{"abc", value.Null(), false},
		{"1.2.3", value.Null(), false},
		{"", value.Null(), false},
	}

	for _, tt := range tests {
		got, ok := ParseNumericText(tt.input)
		if ok != tt.wantOK || !got.Equal(tt.want) {
			t.Errorf("ParseNumericText(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIsDateString(t *testing.T) {
	for _, s := range []string{"2023-12-25", "2023-12-25 10:30:00", "12/25/2023"} {
		if !IsDateString(s) {
			t.Errorf("IsDateString(%q) = false", s)
		}
	}
	for _, s := range []string{"", "hello", "not-a-date", "12345", strings.Repeat("2", 100)} {
		if IsDateString(s) {
			t.Errorf("IsDateString(%q) = true", s)
		}
	}
}
