// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadRegistry reads one template file. JSON and YAML are both accepted, the
// format is picked from the extension.
func LoadRegistry(path string) (*TemplateRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data, filepath.Ext(path))
}

// ParseRegistry decodes either a registry document or a single template.
// YAML input is converted to JSON first so bodies carry the same value types
// (float64 numbers, map[string]interface{} objects) whatever the file format.
func ParseRegistry(data []byte, ext string) (*TemplateRegistry, error) {
	if isYAML(ext) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data, ext = converted, ".json"
	}

	var probe map[string]interface{}
	if err := decode(data, ext, &probe); err != nil {
		return nil, err
	}

	var reg TemplateRegistry
	if _, ok := probe["templates"]; ok {
		if err := decode(data, ext, &reg); err != nil {
			return nil, err
		}
		return &reg, nil
	}

	var single Template
	if err := decode(data, ext, &single); err != nil {
		return nil, err
	}
	if single.ID == "" {
		return nil, fmt.Errorf("document has neither a templates list nor a template id")
	}
	reg.Templates = []Template{single}
	return &reg, nil
}

// LoadDirectory reads every template file under dir (non-recursive), sorted by
// file name so the result is stable.
func LoadDirectory(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsTemplateFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Template
	for _, name := range names {
		reg, err := LoadRegistry(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, reg.Templates...)
	}
	return out, nil
}

// IsTemplateFile reports whether name has a template file extension.
func IsTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func isYAML(ext string) bool {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("yaml document is not JSON compatible: %w", err)
	}
	return out, nil
}

func decode(data []byte, ext string, v interface{}) error {
	if isYAML(ext) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
