package token_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/silabot/sila/internal/service/token"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"creds.json":  []byte(`{"noiseKey":"abc"}`),
		"session.db":  {0x53, 0x51, 0x4c, 0x69, 0x74, 0x65, 0x00},
		"app-state-1": []byte("binary\x00state"),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	// Subdirectories are not part of the token.
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o700); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "skip.txt"), []byte("skip"), 0o600); err != nil {
		t.Fatalf("write nested file: %v", err)
	}

	tok, err := token.Encode(dir)
	if err != nil {
		t.Fatalf("Encode err: %v", err)
	}
	if !strings.HasPrefix(tok, token.Prefix) {
		t.Fatalf("token missing prefix: %s", tok[:10])
	}

	decoded, err := token.Decode(tok)
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	if len(decoded) != len(files) {
		t.Fatalf("expected %d files, got %d", len(files), len(decoded))
	}
	for name, content := range files {
		got, ok := decoded[name]
		if !ok {
			t.Fatalf("missing file %s in decoded token", name)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("content mismatch for %s: got %q want %q", name, got, content)
		}
	}
}

func TestEncodeMissingDir(t *testing.T) {
	tok, err := token.Encode(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Encode err: %v", err)
	}

	decoded, err := token.Decode(tok)
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty file set, got %d entries", len(decoded))
	}
}

func TestDecodeRejectsMissingPrefix(t *testing.T) {
	if _, err := token.Decode("eyJmaWxlcyI6e319"); err == nil {
		t.Fatal("expected error for token without prefix")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := token.Decode(token.Prefix + "not-base64!!"); err == nil {
		t.Fatal("expected error for undecodable token body")
	}
}

func TestCleanDirIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creds.json"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	token.CleanDir(dir)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir to be removed, stat err: %v", err)
	}

	// Second call on the already-removed path must stay a no-op.
	token.CleanDir(dir)
}
