package yamlutil

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalStrict decodes YAML with unknown-field rejection so that a
// typo in argus.yaml fails loudly instead of being silently ignored.
func UnmarshalStrict(data []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(v); err != nil {
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}
	return nil
}
