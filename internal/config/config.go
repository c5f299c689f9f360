// Package config loads and validates the daemon's optional JSON
// configuration file. Every field has a flag or environment counterpart in
// the daemon; the file only has to carry what differs from the defaults.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed config.schema.json
var embeddedSchemaData []byte

type Remote struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type Manifest struct {
	DSN string `json:"dsn,omitempty"`
}

type Pacing struct {
	MinRequestInterval string `json:"minRequestInterval,omitempty"`
	MaxRequestInterval string `json:"maxRequestInterval,omitempty"`
	MaxRetries         *int   `json:"maxRetries,omitempty"`
}

type API struct {
	Addr      string `json:"addr,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

type Config struct {
	Remote       *Remote  `json:"remote,omitempty"`
	HostID       string   `json:"hostId,omitempty"`
	MachineName  string   `json:"machineName,omitempty"`
	DataDir      string   `json:"dataDir,omitempty"`
	Roots        []string `json:"roots,omitempty"`
	SyncInterval string   `json:"syncInterval,omitempty"`
	MinFileIdle  string   `json:"minFileIdle,omitempty"`
	Manifest     Manifest `json:"manifest,omitempty"`
	Pacing       Pacing   `json:"pacing,omitempty"`
	API          API      `json:"api,omitempty"`
}

// Load reads and validates a configuration file. A missing file is not an
// error: it returns an empty Config so the caller's defaults apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw configuration bytes against the embedded schema and
// decodes them.
func Parse(data []byte) (*Config, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(embeddedSchemaData))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sessionsync.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add embedded schema resource: %w", err)
	}
	schema, err := compiler.Compile("sessionsync.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	return schema, nil
}

// Duration parses one of the config's duration strings, falling back to a
// default when the field is empty.
func Duration(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

// DefaultDataDir is where manifest, cache mirror, and metadata live when not
// configured otherwise.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessionsync"
	}
	return filepath.Join(home, ".sessionsync")
}

// DefaultHostID derives a stable host identifier from the hostname, reduced
// to the character set safe for a remote path segment.
func DefaultHostID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown-host"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(hostname) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := strings.Trim(b.String(), "-.")
	if id == "" {
		return "unknown-host"
	}
	return id
}
