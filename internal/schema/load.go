package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// LoadYAML decodes a Spec from YAML. Unknown keys are rejected.
func LoadYAML(data []byte) (Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return Spec{}, fmt.Errorf("decode yaml schema: %w", err)
	}
	return spec, nil
}

// LoadCUE evaluates CUE source and decodes it into a Spec. If the value has
// a top-level "schema" field, that field is decoded instead of the root.
// filename is used in error positions only.
func LoadCUE(filename string, data []byte) (Spec, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return Spec{}, fmt.Errorf("compile cue schema: %w", err)
	}
	if nested := value.LookupPath(cue.ParsePath("schema")); nested.Exists() {
		value = nested
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Spec{}, fmt.Errorf("validate cue schema: %w", err)
	}
	var spec Spec
	if err := value.Decode(&spec); err != nil {
		return Spec{}, fmt.Errorf("decode cue schema: %w", err)
	}
	return spec, nil
}

// LoadFile reads a schema file, choosing the decoder by extension
// (.cue, .yaml or .yml), and builds a Registry from it.
func LoadFile(path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var spec Spec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		spec, err = LoadCUE(path, data)
	case ".yaml", ".yml":
		spec, err = LoadYAML(data)
	default:
		return nil, fmt.Errorf("unsupported schema file extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	return New(spec, opts...)
}
