package config

import (
	"fmt"
	"sort"

	"github.com/mitchellh/go-homedir"
)

// Models maps short model names to ONNX files.
type Models map[string]string

// Names returns the catalog keys in order.
func (m Models) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m Models) expand() error {
	for name, path := range m {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("expand model %q: %w", name, err)
		}
		m[name] = expanded
	}
	return nil
}
