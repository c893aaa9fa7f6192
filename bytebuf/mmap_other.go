//go:build !unix

package bytebuf

import (
	"fmt"
	"os"
)

// Map reads the file at path into memory.
func Map(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return FromBytes(data), nil
}
