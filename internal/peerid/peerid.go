// Package peerid provides the persistent identity a client presents to servers
package peerid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lanlink/lanlink/internal/config"
)

// FileName is the filename for the peer ID
const FileName = "peer_id"

// GetOrCreate returns the peer ID stored in ~/.lanlink/peer_id, creating one if it doesn't exist
func GetOrCreate() (string, error) {
	path, err := DefaultPath()
	if err != nil {
		return "", err
	}
	return GetOrCreateAt(path)
}

// GetOrCreateAt returns the peer ID stored at path, creating one if it doesn't exist
func GetOrCreateAt(path string) (string, error) {
	id, err := Read(path)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create peer id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to write peer id: %w", err)
	}
	return id, nil
}

// Read returns the peer ID at path, or an empty string if there is none
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read peer id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// DefaultPath returns the path to the peer ID file
func DefaultPath() (string, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.ConfigDir, FileName), nil
}
