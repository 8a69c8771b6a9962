// Package blob provides key/value object storage backends for transient
// page images and input documents.
package blob

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// cleanKey rejects keys that could escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key must not be empty")
	}

	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}

	return cleaned, nil
}
