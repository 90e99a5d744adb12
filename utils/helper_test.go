package utils

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1234.56", want: "1234.56"},
		{in: " 1234.56 ", want: "1234.56"},
		{in: "$1,234.56", want: "1234.56"},
		{in: "1,234,567", want: "1234567"},
		{in: "-42.5", want: "-42.5"},
		{in: "0", want: "0"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "12.34.56", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseDecimal(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDecimal(%q): expected error, got %s", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimal(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseDecimal(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 1500)
	if got := Truncate(long, 1000); len(got) != 1000 {
		t.Fatalf("len = %d, want 1000", len(got))
	}
	if got := Truncate("short", 1000); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("unbounded", 0); got != "unbounded" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	// 3 bytes per rune, so the 1000-byte cap lands mid-rune.
	long := strings.Repeat("€", 400)
	got := Truncate(long, 1000)
	if !utf8.ValidString(got) {
		t.Fatal("truncated message is not valid UTF-8")
	}
	if len(got) != 999 {
		t.Fatalf("len = %d, want 999 (cut backed up to a rune boundary)", len(got))
	}

	ascii := strings.Repeat("a", 10)
	if got := Truncate(ascii, 5); got != "aaaaa" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvBoolDefault(t *testing.T) {
	t.Setenv("FLAG", "yes")
	if !EnvBoolDefault("FLAG", false) {
		t.Fatal("yes should be true")
	}
	t.Setenv("FLAG", "off")
	if EnvBoolDefault("FLAG", true) {
		t.Fatal("off should be false")
	}
	t.Setenv("FLAG", "garbage")
	if !EnvBoolDefault("FLAG", true) {
		t.Fatal("unparseable should fall back to the default")
	}
}

func TestEnvIntDefault(t *testing.T) {
	t.Setenv("NUM", "42")
	if got := EnvIntDefault("NUM", 7); got != 42 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("NUM", "")
	if got := EnvIntDefault("NUM", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("NUM", "not-a-number")
	if got := EnvIntDefault("NUM", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
}
