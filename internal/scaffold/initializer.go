// Package scaffold writes a starter run configuration.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/opbalance/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Formats lists the config formats Initialize can write.
var Formats = []string{"yaml", "toml"}

// ConfigFile returns the starter file name for a format.
func ConfigFile(format string) (string, error) {
	switch format {
	case "yaml", "yml":
		return "opbalance.yml", nil
	case "toml":
		return "opbalance.toml", nil
	}
	return "", fmt.Errorf("unknown config format %q (yaml or toml)", format)
}

// Initialize writes the starter configuration into dir and returns its path.
// If force is true an existing file is replaced.
func Initialize(dir, format string, force bool) (string, error) {
	name, err := ConfigFile(format)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)

	if !force {
		if err := CheckExisting(path); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read %s template: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The template must load cleanly with the real loader
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s is not a valid configuration: %w", name, err)
	}
	return path, nil
}

// PrintSuccess prints the created file and the next steps
func PrintSuccess(path string) {
	fmt.Println("\n✅ Successfully created opbalance configuration!")
	fmt.Printf("\nCreated:\n  ✓ %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the groups to match your model's proposal operators")
	fmt.Printf("  2. Run 'opbalance init --config %s' to create the ledger\n", path)
	fmt.Println("  3. Run 'opbalance start' from the chain that owns the weights")
}
