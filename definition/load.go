package definition

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/types"
)

// Decode reads one YAML definition from r. Unknown fields are rejected so
// that typos in rule kinds or node fields surface before publishing.
func Decode(r io.Reader) (types.Definition, error) {
	var def types.Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if err == io.EOF {
			return types.Definition{}, types.NewError(types.KindValidation, "empty definition document")
		}
		return types.Definition{}, types.WrapError(types.KindValidation, err, "decode definition")
	}
	return def, nil
}

// LoadFile decodes the definition stored at path.
func LoadFile(path string) (types.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("definition: reading %s: %w", path, err)
	}
	return Decode(bytes.NewReader(data))
}

// Encode writes def as YAML.
func Encode(w io.Writer, def types.Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return fmt.Errorf("definition: encoding %q: %w", def.ID, err)
	}
	return enc.Close()
}
