package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// GetEnv reads an environment variable with a fallback default.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// CreateFolder makes a directory (and parents) if it doesn't exist yet.
func CreateFolder(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create folder %q: %v", path, err)
	}
	return nil
}

// GenerateTrackKey builds the canonical source_ref for a track that has
// no external provenance: a normalized "title---artist" pair.
func GenerateTrackKey(title, artist string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return fmt.Sprintf("%s---%s", norm(title), norm(artist))
}

// MoveFile renames src to dst, falling back to copy+remove when the
// rename crosses filesystems.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
