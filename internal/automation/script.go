package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Script is one Lua rule file loaded from the scripts directory.
type Script struct {
	ID     string // filename stem (no .lua)
	Path   string
	Source string
}

// LoadDir reads all *.lua files from dir. A missing directory yields an
// empty list, not an error, so automation stays optional.
func LoadDir(dir string) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", e.Name(), err)
		}
		scripts = append(scripts, &Script{
			ID:     strings.TrimSuffix(e.Name(), ".lua"),
			Path:   path,
			Source: string(src),
		})
	}
	return scripts, nil
}
