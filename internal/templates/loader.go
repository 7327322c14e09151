package templates

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// DefaultPromptSet returns the embedded prompt set.
func DefaultPromptSet() (*PromptSet, error) {
	ps := &PromptSet{}
	if err := decodeInto(bytes.NewReader(defaultPrompts), ps); err != nil {
		return nil, fmt.Errorf("decode embedded prompts: %w", err)
	}
	return ps, nil
}

// LoadPromptSetFromFile reads an override file from disk. Steps or fields
// the file omits keep their embedded defaults.
func LoadPromptSetFromFile(path string) (*PromptSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts %s: %w", path, err)
	}
	defer f.Close()
	ps, err := LoadPromptSet(f)
	if err != nil {
		return nil, fmt.Errorf("decode prompts %s: %w", path, err)
	}
	return ps, nil
}

// LoadPromptSet parses overrides from the provided reader on top of the
// embedded defaults.
func LoadPromptSet(r io.Reader) (*PromptSet, error) {
	ps, err := DefaultPromptSet()
	if err != nil {
		return nil, err
	}
	if err := decodeInto(r, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func decodeInto(r io.Reader, ps *PromptSet) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(ps); err != nil && err != io.EOF {
		return err
	}
	return nil
}
