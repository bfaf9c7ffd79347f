package config

import (
	"strings"
	"testing"
)

func TestStripCommentGluedSemicolonIsLiteral(t *testing.T) {
	// comment begins only at " ;" (space + ';'); a glued ';' is literal content.
	got := stripComment("tuya_local_key = abc;def#ghi ; inline note")
	want := "tuya_local_key = abc;def#ghi "
	if got != want {
		t.Fatalf("stripComment: got %q, want %q", got, want)
	}
}

func TestParseINIPreservesGluedPunctuation(t *testing.T) {
	doc, err := parseINI(strings.NewReader("tuya_local_key = abc;def#ghi ; inline note\n"))
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	got := doc.section("").values["tuya_local_key"]
	if got != "abc;def#ghi" {
		t.Fatalf("got %q, want %q", got, "abc;def#ghi")
	}
}

func TestParseINISectionsAndHashComment(t *testing.T) {
	src := `
# top comment
[general]
plugin_instances = deye1, jkbms1
poll_interval_seconds = 5 # inline hash comment

[deye1]
plugin_type = plugin.inverter.deye
host = "192.168.1.50"
`
	doc, err := parseINI(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	if got := doc.section("general").values["plugin_instances"]; got != "deye1, jkbms1" {
		t.Fatalf("plugin_instances: got %q", got)
	}
	if got := doc.section("general").values["poll_interval_seconds"]; got != "5" {
		t.Fatalf("poll_interval_seconds: got %q", got)
	}
	if got := doc.section("deye1").values["host"]; got != "192.168.1.50" {
		t.Fatalf("host should be unquoted, got %q", got)
	}
}

func TestParseBoolCaseInsensitive(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true, "YES": true,
		"false": false, "0": false, "no": false, "No": false,
	}
	for in, want := range cases {
		got, err := parseBool(in)
		if err != nil {
			t.Fatalf("parseBool(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseBool("maybe"); err == nil {
		t.Fatalf("expected error for unrecognized boolean")
	}
}

func TestParseListTrimsAndDropsEmpty(t *testing.T) {
	got := parseList(" a, , b ,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUnterminatedSectionHeaderIsError(t *testing.T) {
	if _, err := parseINI(strings.NewReader("[general\nfoo = bar\n")); err == nil {
		t.Fatalf("expected error for unterminated section header")
	}
}

func TestMissingEqualsIsError(t *testing.T) {
	if _, err := parseINI(strings.NewReader("[general]\njust_a_word\n")); err == nil {
		t.Fatalf("expected error for line without '='")
	}
}
