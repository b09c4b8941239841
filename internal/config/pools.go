package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/intouch-cp/weightd/internal/model"
)

// PoolsFile is the on-disk description of the two backend pools.
type PoolsFile struct {
	Incoming []model.ServerDescriptor `yaml:"incoming"`
	Outgoing []model.ServerDescriptor `yaml:"outgoing"`
}

// LoadPools reads and validates the pools file at path. Server ids must be
// unique across both pools and every entry needs a non-empty host.
func LoadPools(path string) (*PoolsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}

	var pf PoolsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pools file %s: %w", path, err)
	}

	seen := make(map[string]struct{})
	validate := func(pool model.Pool, servers []model.ServerDescriptor) error {
		for i := range servers {
			s := &servers[i]
			s.ID = strings.TrimSpace(s.ID)
			s.Host = strings.TrimSpace(s.Host)
			if s.ID == "" {
				return fmt.Errorf("pool %s: entry %d has no id", pool, i)
			}
			if s.Host == "" {
				return fmt.Errorf("pool %s: server %s has no host", pool, s.ID)
			}
			if s.Port < 0 || s.Port > 65535 {
				return fmt.Errorf("pool %s: server %s has invalid port %d", pool, s.ID, s.Port)
			}
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("duplicate server id %q", s.ID)
			}
			seen[s.ID] = struct{}{}
			s.Pool = pool
		}
		return nil
	}

	if err := validate(model.PoolIncoming, pf.Incoming); err != nil {
		return nil, err
	}
	if err := validate(model.PoolOutgoing, pf.Outgoing); err != nil {
		return nil, err
	}

	return &pf, nil
}
