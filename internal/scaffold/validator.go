package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting returns an error if path already exists
func CheckExisting(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration already exists: %s\n\nUse 'opbalance init --template --force' to overwrite it", path)
	}
	return nil
}
