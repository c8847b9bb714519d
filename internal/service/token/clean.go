package token

import (
	"log"
	"os"
)

// CleanDir removes a session's credential directory and everything in it.
// It runs on every termination path, so it must stay an idempotent no-op
// once the directory is gone; failures are logged, never propagated.
func CleanDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[cleanup] warning: failed to remove %s: %v", dir, err)
	}
}
