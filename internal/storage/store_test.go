package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smukkama/ecostress-pipeline/internal/regions"
)

func TestObjectKeys(t *testing.T) {
	r := regions.Region{ID: 1, Name: "Tahoe", Location: "lake"}

	if got := ObjectKey("ECO", r, "/tmp/x/Tahoe_lake_2024150183012_filter.tif"); got != "ECO/Tahoe/lake/Tahoe_lake_2024150183012_filter.tif" {
		t.Errorf("Unexpected object key %s", got)
	}
	if got := MetadataKey("ECO", r, "Tahoe_lake_2024150183012_filter_metadata.json"); got != "ECO/Tahoe/lake/metadata/Tahoe_lake_2024150183012_filter_metadata.json" {
		t.Errorf("Unexpected metadata key %s", got)
	}
}

func TestHashFile_StableAndContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	os.WriteFile(a, []byte("same content"), 0o644)
	os.WriteFile(b, []byte("same content"), 0o644)
	os.WriteFile(c, []byte("other content"), 0o644)

	ha, size, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size != int64(len("same content")) {
		t.Errorf("Expected size %d, got %d", len("same content"), size)
	}
	hb, _, _ := HashFile(b)
	hc, _, _ := HashFile(c)
	if ha != hb {
		t.Errorf("Expected equal hashes, got %s and %s", ha, hb)
	}
	if ha == hc {
		t.Error("Expected different hashes for different content")
	}
	if len(ha) != 16 {
		t.Errorf("Expected 16 hex chars, got %d", len(ha))
	}
}

func TestStoredHash_CaseInsensitive(t *testing.T) {
	if got := storedHash(map[string]string{"content-xxh3": "abc"}); got != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}
	if got := storedHash(map[string]string{"X-Amz-Meta-Content-Xxh3": "def"}); got != "def" {
		t.Errorf("Expected def, got %q", got)
	}
	if got := storedHash(nil); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"a.tif":  "image/tiff",
		"a.csv":  "text/csv",
		"a.json": "application/json",
		"a.bin":  "application/octet-stream",
	}
	for file, want := range cases {
		if got := ContentType(file); got != want {
			t.Errorf("Expected %s for %s, got %s", want, file, got)
		}
	}
}
