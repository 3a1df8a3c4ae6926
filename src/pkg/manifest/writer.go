package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

const DOCUMENT_SEPARATOR = "---\n"

// Encode serializes every manifest of the index, in reconciliation order,
// as one multi-document YAML stream.
func Encode(index *Index) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range index.Ordered() {
		data, err := yaml.Marshal(obj.Object)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
		if i > 0 {
			buf.WriteString(DOCUMENT_SEPARATOR)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the combined manifest document of index to path, creating parent directories.
func WriteFile(path string, index *Index) error {
	data, err := Encode(index)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write combined manifest %s: %w", path, err)
	}
	logger.WithField("path", path).WithField("count", index.Len()).Info("Written combined manifest")
	return nil
}
