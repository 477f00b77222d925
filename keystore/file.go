package keystore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Spec describes one key entry of a key file.
type Spec struct {
	Owner string  `yaml:"owner"`
	Usage []Usage `yaml:"usage"`
	Type  string  `yaml:"type"`
	Value string  `yaml:"value"`
	File  string  `yaml:"file"`
}

type fileSpec struct {
	Keys []Spec `yaml:"keys"`
}

// LoadFile reads a YAML key file. Relative "file" entries resolve against
// the directory of path.
func LoadFile(path string) (*KeyStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	defer f.Close()

	return Load(f, filepath.Dir(path))
}

// Load reads a YAML key file from r.
//
//	keys:
//	  - owner: "."
//	    usage: [sign, verify]
//	    type: hmac
//	    value: s3cr3t
//	  - owner: https://issuer.example.com
//	    usage: [verify]
//	    type: rsa
//	    file: issuer.pem
func Load(r io.Reader, baseDir string) (*KeyStore, error) {
	var fs fileSpec
	if err := yaml.NewDecoder(r).Decode(&fs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}

	ks := New()
	for i, spec := range fs.Keys {
		if err := ks.AddSpec(spec, baseDir); err != nil {
			return nil, fmt.Errorf("key entry %d: %w", i+1, err)
		}
	}

	return ks, nil
}

// AddSpec materializes spec and adds it under each of its usages.
func (ks *KeyStore) AddSpec(spec Spec, baseDir string) error {
	if len(spec.Usage) == 0 {
		return fmt.Errorf("usage is required")
	}

	var data []byte

	switch {
	case spec.Value != "" && spec.File != "":
		return fmt.Errorf("value and file are mutually exclusive")
	case spec.Value != "":
		data = []byte(spec.Value)
	case spec.File != "":
		path := spec.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading key material: %w", err)
		}

		data = b
	default:
		return fmt.Errorf("one of value or file is required")
	}

	key, err := ParseKey(spec.Type, data)
	if err != nil {
		return err
	}

	for _, u := range spec.Usage {
		if err := ks.AddKey(key, spec.Type, u, spec.Owner); err != nil {
			return err
		}
	}

	return nil
}
