// Package config loads stravasync settings.
//
// Settings come from an optional YAML file, then STRAVASYNC_* environment
// variables, then command-line flags (applied by the caller). The merged
// document is unified with an embedded CUE schema that rejects unknown
// fields, enforces ranges and fills in defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stravasync/internal/shard"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STRAVASYNC_"

// TokenEnv carries the upstream access token.
const TokenEnv = "STRAVA_ACCESS_TOKEN"

// Config is the resolved configuration.
type Config struct {
	DataDir         string
	ShardDir        string
	DetailBronzeDir string
	Warehouse       string
	MetricsFile     string
	AccessToken     string

	OwnerID     int64
	ShardFormat string
	PerPage     int

	RecencyWindow time.Duration
	DetailWindow  time.Duration

	MaxCalls       int
	MinSpacing     time.Duration
	CushionShort   int
	CushionDaily   int
	IncludeEfforts bool

	LockTTL time.Duration
}

// document mirrors #Config field for field.
type document struct {
	DataDir         string `json:"data_dir"`
	ShardDir        string `json:"shard_dir"`
	DetailBronzeDir string `json:"detail_bronze_dir"`
	Warehouse       string `json:"warehouse"`
	MetricsFile     string `json:"metrics_file"`
	AccessToken     string `json:"access_token"`
	OwnerID         int64  `json:"owner_id"`
	ShardFormat     string `json:"shard_format"`
	PerPage         int    `json:"per_page"`
	RecencyWindow   string `json:"recency_window"`
	DetailWindow    string `json:"detail_window"`
	MaxCalls        int    `json:"max_calls"`
	MinSpacing      string `json:"min_spacing"`
	CushionShort    int    `json:"cushion_15min"`
	CushionDaily    int    `json:"cushion_daily"`
	IncludeEfforts  bool   `json:"include_efforts"`
	LockTTL         string `json:"lock_ttl"`
}

// Error is a configuration that failed to parse or validate.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Option configures Load.
type Option func(*loader)

type loader struct {
	lookupEnv func(string) (string, bool)
	required  bool
}

// WithEnv replaces os.LookupEnv (tests use a map).
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(l *loader) {
		l.lookupEnv = lookup
	}
}

// Required makes a missing config file an error. Without it a missing file
// means defaults.
func Required() Option {
	return func(l *loader) {
		l.required = true
	}
}

// Load reads path (which may be empty), applies environment overrides and
// validates the result against the schema.
func Load(path string, opts ...Option) (Config, error) {
	l := &loader{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	fields := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !l.required:
		case err != nil:
			return Config{}, &Error{Source: path, Err: err}
		default:
			if err := yaml.Unmarshal(data, &fields); err != nil {
				return Config{}, &Error{Source: path, Err: err}
			}
			if fields == nil {
				fields = map[string]any{}
			}
		}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("config: compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if err := l.applyEnv(def, fields); err != nil {
		return Config{}, err
	}

	v := def.Unify(ctx.Encode(fields))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, &Error{Source: sourceName(path), Err: flatten(err)}
	}
	var doc document
	if err := v.Decode(&doc); err != nil {
		return Config{}, &Error{Source: sourceName(path), Err: flatten(err)}
	}
	return doc.resolve()
}

// applyEnv overlays STRAVASYNC_<FIELD> variables, typed by the schema.
func (l *loader) applyEnv(def cue.Value, fields map[string]any) error {
	iter, err := def.Fields(cue.Optional(true))
	if err != nil {
		return fmt.Errorf("config: schema fields: %w", err)
	}
	for iter.Next() {
		name := iter.Selector().String()
		raw, ok := l.lookupEnv(EnvPrefix + strings.ToUpper(name))
		if !ok {
			continue
		}
		val, err := parseEnv(iter.Value().IncompleteKind(), raw)
		if err != nil {
			return &Error{Source: EnvPrefix + strings.ToUpper(name), Err: err}
		}
		fields[name] = val
	}
	if tok, ok := l.lookupEnv(TokenEnv); ok && tok != "" {
		fields["access_token"] = tok
	}
	return nil
}

func parseEnv(kind cue.Kind, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case kind&cue.IntKind != 0:
		return strconv.ParseInt(raw, 10, 64)
	case kind&cue.BoolKind != 0:
		return strconv.ParseBool(raw)
	}
	return raw, nil
}

func (d document) resolve() (Config, error) {
	c := Config{
		DataDir:         d.DataDir,
		ShardDir:        d.ShardDir,
		DetailBronzeDir: d.DetailBronzeDir,
		Warehouse:       d.Warehouse,
		MetricsFile:     d.MetricsFile,
		AccessToken:     d.AccessToken,
		OwnerID:         d.OwnerID,
		PerPage:         d.PerPage,
		MaxCalls:        d.MaxCalls,
		CushionShort:    d.CushionShort,
		CushionDaily:    d.CushionDaily,
		IncludeEfforts:  d.IncludeEfforts,
		ShardFormat:     shard.FormatJSON,
	}
	if d.ShardFormat == "snappy" {
		c.ShardFormat = shard.FormatSnappy
	}
	if c.ShardDir == "" {
		c.ShardDir = filepath.Join(c.DataDir, "shards")
	}
	if c.DetailBronzeDir == "" {
		c.DetailBronzeDir = filepath.Join(c.DataDir, "bronze", "details")
	}
	if c.Warehouse == "" {
		c.Warehouse = filepath.Join(c.DataDir, "warehouse.db")
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"recency_window", d.RecencyWindow, &c.RecencyWindow},
		{"detail_window", d.DetailWindow, &c.DetailWindow},
		{"min_spacing", d.MinSpacing, &c.MinSpacing},
		{"lock_ttl", d.LockTTL, &c.LockTTL},
	} {
		dur, err := ParseDuration(f.raw)
		if err != nil {
			return Config{}, &Error{Source: f.name, Err: err}
		}
		*f.dst = dur
	}
	return c, nil
}

// ParseDuration extends time.ParseDuration with a leading "d" (24h) unit,
// so windows read as "21d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	var total time.Duration
	rest := s
	for {
		i := strings.IndexByte(rest, 'd')
		if i < 0 {
			break
		}
		days, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total += time.Duration(days * float64(24*time.Hour))
		rest = rest[i+1:]
	}
	if rest == "" {
		if s == "" {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return total, nil
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return total + d, nil
}

func sourceName(path string) string {
	if path == "" {
		return "environment"
	}
	return path
}

// flatten joins CUE's multi-error into one line per problem.
func flatten(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) <= 1 {
		return err
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}
