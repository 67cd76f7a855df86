// Package config loads dht.Options from a YAML file, the way the rest
// of the example pack reaches for gopkg.in/yaml.v3 for on-disk
// configuration rather than hand-rolling a flag parser — the teacher
// itself has no file-based loader (toxcore.Options is a literal Go
// struct built by callers), so this idiom is grounded on the wider
// corpus instead of the teacher directly (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/kademlia-core/dht"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a node's configuration. Every field is
// optional; omitted fields fall back to dht.DefaultOptions().
type File struct {
	BucketSize    *int            `yaml:"bucketSize"`
	Concurrency   *int            `yaml:"concurrency"`
	ExpireTime    *time.Duration  `yaml:"expireTime"`
	RefreshTime   *time.Duration  `yaml:"refreshTime"`
	ReplicateTime *time.Duration  `yaml:"replicateTime"`
	RepublishTime *time.Duration  `yaml:"republishTime"`
	Bootstrap     []BootstrapSeed `yaml:"bootstrap"`
}

// BootstrapSeed names a peer endpoint to ping when joining the network.
type BootstrapSeed struct {
	Endpoint string `yaml:"endpoint"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// Options converts a loaded File into dht.Options, starting from
// dht.DefaultOptions() and overriding whichever fields were set.
func (f File) Options() dht.Options {
	opts := dht.DefaultOptions()
	if f.BucketSize != nil {
		opts.BucketSize = *f.BucketSize
	}
	if f.Concurrency != nil {
		opts.Concurrency = *f.Concurrency
	}
	if f.ExpireTime != nil {
		opts.ExpireTime = *f.ExpireTime
	}
	if f.RefreshTime != nil {
		opts.RefreshTime = *f.RefreshTime
	}
	if f.ReplicateTime != nil {
		opts.ReplicateTime = *f.ReplicateTime
	}
	if f.RepublishTime != nil {
		opts.RepublishTime = *f.RepublishTime
	}
	return opts
}
