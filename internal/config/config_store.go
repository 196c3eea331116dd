package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
)

// ValueType enumerates the primitive types a Config Store key may hold.
type ValueType string

const (
	TypeString ValueType = "str"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
)

// SchemaKey describes one Config Store key: its type, schema default, the
// environment variable that layers over the default, and whether a write
// takes effect only after a process restart.
type SchemaKey struct {
	Name            string
	Type            ValueType
	Default         string
	EnvVar          string
	RestartRequired bool
}

// EffectiveValue is what a Get returns: the resolved value plus which layer
// produced it, for operator-facing transparency.
type EffectiveValue struct {
	Value  string
	Source string // "override", "env", or "default"
}

// OverrideStore persists the durable UI-override layer, ahead of the
// environment and schema-default layers. Satisfied by a Postgres-backed
// repository.
type OverrideStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// ConfigStore resolves keys through three layers (override → env →
// default) and exposes the result as an immutable snapshot, swapped
// atomically on write so readers never observe a partially-applied update.
//
// Grounded on the teacher's internal/config/config.go LoadFromEnv layering
// (file defaults overridden by os.Getenv lookups), generalized from a
// fixed Config struct to an arbitrary keyed schema backed by a durable
// override table, per the "config as immutable snapshot" redesign note.
type ConfigStore struct {
	schema    map[string]SchemaKey
	overrides OverrideStore
	snapshot  atomic.Pointer[map[string]EffectiveValue]
}

// NewConfigStore constructs a store over schema, keyed by SchemaKey.Name.
func NewConfigStore(schema []SchemaKey, overrides OverrideStore) *ConfigStore {
	byName := make(map[string]SchemaKey, len(schema))
	for _, k := range schema {
		byName[k.Name] = k
	}
	s := &ConfigStore{schema: byName, overrides: overrides}
	empty := make(map[string]EffectiveValue)
	s.snapshot.Store(&empty)
	return s
}

// Load resolves every schema key through its three layers and installs the
// result as the new live snapshot. Call once at boot and after any write
// to a non-restart-required key. A restart_required key that already has a
// value in the live snapshot keeps it, so only the first Load resolves it.
func (s *ConfigStore) Load(ctx context.Context) error {
	overrides, err := s.overrides.All(ctx)
	if err != nil {
		return fmt.Errorf("load config overrides: %w", err)
	}

	current := *s.snapshot.Load()
	resolved := make(map[string]EffectiveValue, len(s.schema))
	for name, key := range s.schema {
		if key.RestartRequired {
			if v, ok := current[name]; ok {
				resolved[name] = v
				continue
			}
		}
		if v, ok := overrides[name]; ok {
			resolved[name] = EffectiveValue{Value: v, Source: "override"}
			continue
		}
		if key.EnvVar != "" {
			if v := os.Getenv(key.EnvVar); v != "" {
				resolved[name] = EffectiveValue{Value: v, Source: "env"}
				continue
			}
		}
		resolved[name] = EffectiveValue{Value: key.Default, Source: "default"}
	}

	s.snapshot.Store(&resolved)
	return nil
}

// Get returns the effective value for key from the live snapshot.
func (s *ConfigStore) Get(key string) (EffectiveValue, bool) {
	snap := *s.snapshot.Load()
	v, ok := snap[key]
	return v, ok
}

// GetString, GetInt, GetFloat, and GetBool fetch and type-assert a key,
// failing if the schema declares a different type.
func (s *ConfigStore) GetString(key string) (string, error) {
	v, err := s.typedGet(key, TypeString)
	if err != nil {
		return "", err
	}
	return v.Value, nil
}

func (s *ConfigStore) GetInt(key string) (int, error) {
	v, err := s.typedGet(key, TypeInt)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, fmt.Errorf("config key %s: not an int: %w", key, err)
	}
	return n, nil
}

func (s *ConfigStore) GetFloat(key string) (float64, error) {
	v, err := s.typedGet(key, TypeFloat)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("config key %s: not a float: %w", key, err)
	}
	return f, nil
}

func (s *ConfigStore) GetBool(key string) (bool, error) {
	v, err := s.typedGet(key, TypeBool)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v.Value)
	if err != nil {
		return false, fmt.Errorf("config key %s: not a bool: %w", key, err)
	}
	return b, nil
}

func (s *ConfigStore) typedGet(key string, want ValueType) (EffectiveValue, error) {
	schemaKey, ok := s.schema[key]
	if !ok {
		return EffectiveValue{}, fmt.Errorf("config key %s: not in schema", key)
	}
	if schemaKey.Type != want {
		return EffectiveValue{}, fmt.Errorf("config key %s: declared %s, requested %s", key, schemaKey.Type, want)
	}
	v, ok := s.Get(key)
	if !ok {
		return EffectiveValue{}, fmt.Errorf("config key %s: no resolved value", key)
	}
	return v, nil
}

// Set validates value against key's declared type, persists it as a
// durable override, and reloads the live snapshot unless the key is
// marked restart_required, in which case the write is persisted but the
// running snapshot keeps its current value until the next process start.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	schemaKey, ok := s.schema[key]
	if !ok {
		return fmt.Errorf("config key %s: not in schema", key)
	}
	if err := validateType(schemaKey.Type, value); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}

	if err := s.overrides.Set(ctx, key, value); err != nil {
		return fmt.Errorf("persist config override %s: %w", key, err)
	}

	if schemaKey.RestartRequired {
		return nil
	}
	return s.Load(ctx)
}

func validateType(t ValueType, value string) error {
	switch t {
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected float, got %q", value)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeString:
		// any value is a valid string
	default:
		return fmt.Errorf("unknown type %q", t)
	}
	return nil
}

// PressureSchema returns the schema keys served by the Config Store. Of
// these, only persistence.retention_days is read by the running process,
// once, in setupJobControlPlane. The Scheduler, Pressure Controller and
// Preflight Gate do not read these keys, so a write changes the stored and
// reported value only.
func PressureSchema() []SchemaKey {
	return []SchemaKey{
		{Name: "pressure.soft_slowdown_threshold", Type: TypeFloat, Default: "0.05", EnvVar: "PRESSURE_SOFT_THRESHOLD"},
		{Name: "pressure.slowdown_threshold", Type: TypeFloat, Default: "0.10", EnvVar: "PRESSURE_SLOWDOWN_THRESHOLD"},
		{Name: "pressure.hard_slowdown_threshold", Type: TypeFloat, Default: "0.20", EnvVar: "PRESSURE_HARD_THRESHOLD"},
		{Name: "preflight.spam_score_threshold", Type: TypeFloat, Default: "5.0", EnvVar: "PREFLIGHT_SPAM_THRESHOLD"},
		{Name: "scheduler.max_recipients_per_job", Type: TypeInt, Default: "2000000", EnvVar: "SCHEDULER_MAX_RECIPIENTS", RestartRequired: true},
		{Name: "scheduler.smtp_connect_timeout_seconds", Type: TypeInt, Default: "30", EnvVar: "SMTP_CONNECT_TIMEOUT_SECONDS", RestartRequired: true},
		{Name: "bridge.poll_interval_seconds", Type: TypeInt, Default: "5", EnvVar: "BRIDGE_POLL_INTERVAL_SECONDS"},
		{Name: "persistence.retention_days", Type: TypeInt, Default: "30", EnvVar: "JOB_ARCHIVE_RETENTION_DAYS"},
		{Name: "monitor.required", Type: TypeBool, Default: "false", EnvVar: "MTA_MONITOR_REQUIRED"},
	}
}
