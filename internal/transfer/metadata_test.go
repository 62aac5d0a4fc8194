package transfer

import (
	"strings"
	"testing"
)

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"unix path", "/etc/passwd", "passwd"},
		{"windows path", `C:\Users\x\evil.exe`, "evil.exe"},
		{"traversal", "../../secret.txt", "secret.txt"},
		{"embedded traversal", "a..b.txt", "ab.txt"},
		{"dot only", ".", "unnamed"},
		{"empty", "", "unnamed"},
		{"trailing dots", "name...", "name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeFileName(tc.in); got != tc.want {
				t.Errorf("SanitizeFileName(%q) = %q, expected %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeFileNameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 400) + ".txt"
	got := SanitizeFileName(long)
	if len(got) > maxFileNameLength {
		t.Errorf("sanitized name is %d chars", len(got))
	}
	if !strings.HasSuffix(got, ".txt") {
		t.Errorf("extension lost in truncation: %q", got[len(got)-10:])
	}
}

func TestMimeTypeAllowed(t *testing.T) {
	cases := []struct {
		name    string
		mime    string
		allowed []string
		want    bool
	}{
		{"empty list permits all", "application/x-anything", nil, true},
		{"exact match", "image/png", []string{"image/png"}, true},
		{"wildcard subtype", "image/webp", []string{"image/*"}, true},
		{"wildcard all", "video/mp4", []string{"*/*"}, true},
		{"no match", "application/zip", []string{"image/*", "text/plain"}, false},
		{"case insensitive", "Image/PNG", []string{"image/png"}, true},
		{"parameters stripped", "text/plain; charset=utf-8", []string{"text/plain"}, true},
		{"prefix is not wildcard", "imagex/png", []string{"image/*"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MimeTypeAllowed(tc.mime, tc.allowed); got != tc.want {
				t.Errorf("MimeTypeAllowed(%q, %v) = %v", tc.mime, tc.allowed, got)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	cfg.ChunkSize = 0
	if err := cfg.validate(); err == nil {
		t.Error("zero chunk size accepted")
	}
	cfg = DefaultConfig()
	cfg.MaxRetries = -1
	if err := cfg.validate(); err == nil {
		t.Error("negative retry budget accepted")
	}
}
