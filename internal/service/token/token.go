package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Prefix tags every session token so consumers can recognize it on sight.
const Prefix = "SILA_"

// Envelope is the structured payload behind the base64 portion of a token.
type Envelope struct {
	Files map[string]string `json:"files"`
}

// ReadFiles maps every regular file directly inside dir to the base64
// encoding of its content. Subdirectories are skipped. A missing or
// unreadable directory yields an empty mapping rather than an error; the
// caller is mid-finalization and must not be failed over packaging.
func ReadFiles(dir string) map[string]string {
	files := make(map[string]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("[token] warning: cannot read credential dir %s: %v", dir, err)
		return files
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Printf("[token] warning: cannot read credential file %s: %v", entry.Name(), err)
			continue
		}
		files[entry.Name()] = base64.StdEncoding.EncodeToString(data)
	}

	return files
}

// Encode packages the credential directory into a single portable token:
// the Prefix literal followed by base64(JSON envelope).
func Encode(dir string) (string, error) {
	envelope := Envelope{Files: ReadFiles(dir)}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal token envelope: %w", err)
	}

	return Prefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode, returning each file's original byte content. The
// format carries no version marker or checksum, so a truncated token
// surfaces as a plain base64 or JSON error.
func Decode(tok string) (map[string][]byte, error) {
	body, ok := strings.CutPrefix(tok, Prefix)
	if !ok {
		return nil, fmt.Errorf("token missing %q prefix", Prefix)
	}

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode token body: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse token envelope: %w", err)
	}

	files := make(map[string][]byte, len(envelope.Files))
	for name, encoded := range envelope.Files {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode file %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}
