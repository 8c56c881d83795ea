package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type setting struct {
	key   string
	value any
}

// defaults lists every key in file order. Durations are strings so the
// template stays readable.
var defaults = []setting{
	{"server.url", "http://localhost:8080"},
	{"server.token", ""},
	{"server.timeout", "30s"},
	{"server.master_key", ""},
	{"cache.enabled", true},
	{"cache.dir", filepath.Join(Dir(), "cache")},
	{"decode.threshold", 200},
	{"decode.workers", 4},
	{"decode.queue_size", 64},
	{"retry.max_attempts", 3},
	{"retry.initial_wait", "100ms"},
	{"retry.max_wait", "10s"},
	{"retry.multiplier", 2.0},
	{"retry.jitter", 0.1},
	{"logging.level", "info"},
	{"logging.format", "json"},
	{"logging.output", "stderr"},
	{"metrics.addr", ":9090"},
}

var sectionComments = map[string]string{
	"server":  "API server and session",
	"cache":   "Local graph cache (badger)",
	"decode":  "Attribute decoding; batches larger than threshold run on the worker pool",
	"retry":   "Retry schedule for API commands",
	"logging": "level: debug|info|warn|error, format: json|console",
	"metrics": "Prometheus endpoint; empty disables it",
}

// WriteDefault renders the default configuration as commented YAML. An
// existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, os.ErrExist)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	data, err := renderDefaults()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func renderDefaults() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	sections := make(map[string]*yaml.Node)

	for _, d := range defaults {
		section, field, _ := strings.Cut(d.key, ".")
		body, ok := sections[section]
		if !ok {
			body = &yaml.Node{Kind: yaml.MappingNode}
			sections[section] = body
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: section, HeadComment: sectionComments[section]},
				body)
		}

		var value yaml.Node
		if err := value.Encode(d.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", d.key, err)
		}
		body.Content = append(body.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: field}, &value)
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	return yaml.Marshal(doc)
}
