package controlapi

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ooici/siam-integration-sub000/errors"
)

// Seed is the YAML document listing port records to load at startup:
//
//	ports:
//	  - name: p1
//	    device_id: dev-1
//	    status: online
//	    channels: [speed]
//	    properties: {rpm: "900"}
type Seed struct {
	Ports []PortRecord `yaml:"ports"`
}

// ReadSeed decodes a seed document
func ReadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, errors.WrapInvalid(err, "controlapi", "ReadSeed", "decode seed")
	}
	seen := make(map[string]bool, len(seed.Ports))
	for _, rec := range seed.Ports {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		if seen[rec.Name] {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate port %q", errors.ErrInvalidData, rec.Name),
				"controlapi", "ReadSeed", "check ports")
		}
		seen[rec.Name] = true
	}
	return &seed, nil
}

// LoadSeedFile reads path and stores every port record through c
func LoadSeedFile(ctx context.Context, c *KVController, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WrapInvalid(err, "controlapi", "LoadSeedFile", "open "+path)
	}
	defer f.Close()

	seed, err := ReadSeed(f)
	if err != nil {
		return 0, err
	}
	for _, rec := range seed.Ports {
		if err := c.PutPort(ctx, rec); err != nil {
			return 0, err
		}
	}
	return len(seed.Ports), nil
}
