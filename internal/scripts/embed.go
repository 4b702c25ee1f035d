// Package scripts embeds the PowerShell wrapper invoked for discovery and
// test runs, and extracts it to disk so the interpreter can dot-source it.
package scripts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WrapperName is the filename of the discovery/run wrapper script.
const WrapperName = "Invoke-PestleTests.ps1"

//go:embed pester
var pesterScripts embed.FS

// PesterFS returns the embedded filesystem containing the wrapper scripts.
func PesterFS() (fs.FS, error) {
	return fs.Sub(pesterScripts, "pester")
}

// Extract writes the embedded scripts into dir and returns the on-disk path
// of the wrapper. Files are rewritten on every call so an upgraded binary
// never runs a stale script.
func Extract(dir string) (string, error) {
	sub, err := PesterFS()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}

	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return "", fmt.Errorf("reading embedded scripts: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := fs.ReadFile(sub, entry.Name())
		if err != nil {
			return "", fmt.Errorf("reading embedded script %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, entry.Name()), data, 0600); err != nil {
			return "", fmt.Errorf("writing script %s: %w", entry.Name(), err)
		}
	}
	return filepath.Join(dir, WrapperName), nil
}
