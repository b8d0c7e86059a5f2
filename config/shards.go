package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// IPShard binds a set of depth streams to one local source address.
type IPShard struct {
	IP      string   `yaml:"ip"`
	Symbols []string `yaml:"symbols"`
}

type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path. Symbols are
// upper-cased and an IP, when present, must parse.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i := range cfg.Shards {
		shard := &cfg.Shards[i]
		shard.IP = strings.TrimSpace(shard.IP)
		if shard.IP != "" && net.ParseIP(shard.IP) == nil {
			return nil, fmt.Errorf("shard %d: invalid ip %q", i, shard.IP)
		}
		for j, s := range shard.Symbols {
			shard.Symbols[j] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	return &cfg, nil
}

// FromSymbols builds a single shard without a bound local address.
func FromSymbols(symbols []string) *IPShards {
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(s)))
	}
	return &IPShards{Shards: []IPShard{{Symbols: upper}}}
}
