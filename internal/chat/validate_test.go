package chat

import (
	"strings"
	"testing"
)

func TestValidateContent_Valid(t *testing.T) {
	cases := []string{
		"hi",
		"emoji: \U0001F600",
		strings.Repeat("a", MaxContentChars),
	}
	for _, c := range cases {
		if err := ValidateContent(c); err != nil {
			t.Errorf("expected %q to be valid: %v", c[:min(len(c), 20)], err)
		}
	}
}

func TestValidateContent_Empty(t *testing.T) {
	if err := ValidateContent(""); err == nil {
		t.Error("empty content should be rejected")
	}
}

func TestValidateContent_TooManyBytes(t *testing.T) {
	// Multi-byte runes can blow the byte limit without reaching the
	// character limit.
	content := strings.Repeat("\U0001F600", 1100) // 4400 bytes, 1100 chars
	if err := ValidateContent(content); err == nil {
		t.Error("content over the byte limit should be rejected")
	}
}

func TestValidateContent_TooManyChars(t *testing.T) {
	if err := ValidateContent(strings.Repeat("a", MaxContentChars+1)); err == nil {
		t.Error("content over the character limit should be rejected")
	}
}

func TestValidateContent_InvalidUTF8(t *testing.T) {
	if err := ValidateContent(string([]byte{0xff, 0xfe, 0xfd})); err == nil {
		t.Error("invalid UTF-8 should be rejected")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
