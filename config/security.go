package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Limits on operator-supplied configuration input.
const (
	maxLayerSize = 10 << 20
	maxNesting   = 100
	maxEnvValue  = 10000
	maxPath      = 4096
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// readLayer reads one configuration layer after checking its path, size and
// file type.
func readLayer(path string) ([]byte, error) {
	switch {
	case path == "":
		return nil, fmt.Errorf("empty config path")
	case len(path) > maxPath:
		return nil, fmt.Errorf("config path longer than %d bytes", maxPath)
	case strings.Contains(filepath.ToSlash(path), "../"):
		return nil, fmt.Errorf("config path %s escapes its directory", path)
	case !slices.Contains(layerExtensions, strings.ToLower(filepath.Ext(path))):
		return nil, fmt.Errorf("config %s: only .json, .yaml and .yml are accepted", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config %s is not a regular file", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("config %s is %d bytes, limit %d", path, info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// checkNesting rejects JSON documents nested deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxNesting {
				return fmt.Errorf("nesting deeper than %d", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// checkEnvValue bounds values taken from SEMGATE_* variables.
func checkEnvValue(value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("value longer than %d bytes", maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("value contains a NUL byte")
	}
	return nil
}
