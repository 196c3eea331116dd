package config

import (
	"context"
	"testing"
)

type fakeOverrideStore struct {
	values map[string]string
	setErr error
}

func (f *fakeOverrideStore) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeOverrideStore) Set(ctx context.Context, key, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = value
	return nil
}

func testSchema() []SchemaKey {
	return []SchemaKey{
		{Name: "pressure.slowdown_threshold", Type: TypeFloat, Default: "0.10"},
		{Name: "scheduler.max_recipients_per_job", Type: TypeInt, Default: "2000000", RestartRequired: true},
		{Name: "monitor.required", Type: TypeBool, Default: "false"},
	}
}

func TestConfigStore_Load_DefaultsWhenNoOverride(t *testing.T) {
	store := NewConfigStore(testSchema(), &fakeOverrideStore{})
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	v, ok := store.Get("pressure.slowdown_threshold")
	if !ok {
		t.Fatal("expected pressure.slowdown_threshold to resolve")
	}
	if v.Value != "0.10" || v.Source != "default" {
		t.Errorf("Get() = %+v, want default 0.10", v)
	}
}

func TestConfigStore_Load_OverrideWins(t *testing.T) {
	overrides := &fakeOverrideStore{values: map[string]string{"pressure.slowdown_threshold": "0.25"}}
	store := NewConfigStore(testSchema(), overrides)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	v, _ := store.Get("pressure.slowdown_threshold")
	if v.Value != "0.25" || v.Source != "override" {
		t.Errorf("Get() = %+v, want override 0.25", v)
	}
}

func TestConfigStore_Set_RejectsWrongType(t *testing.T) {
	store := NewConfigStore(testSchema(), &fakeOverrideStore{})
	store.Load(context.Background())

	if err := store.Set(context.Background(), "scheduler.max_recipients_per_job", "not-a-number"); err == nil {
		t.Error("Set() with non-int value should error")
	}
}

func TestConfigStore_Set_RestartRequiredDoesNotHotReload(t *testing.T) {
	overrides := &fakeOverrideStore{}
	store := NewConfigStore(testSchema(), overrides)
	store.Load(context.Background())

	if err := store.Set(context.Background(), "scheduler.max_recipients_per_job", "500000"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	// Persisted durably...
	if overrides.values["scheduler.max_recipients_per_job"] != "500000" {
		t.Error("Set() did not persist the override")
	}
	// ...but the live snapshot still shows the old default until a restart.
	v, _ := store.Get("scheduler.max_recipients_per_job")
	if v.Value != "2000000" {
		t.Errorf("Get() = %+v, restart_required key should not hot-reload", v)
	}
}

func TestConfigStore_Set_NonRestartKeyHotReloads(t *testing.T) {
	store := NewConfigStore(testSchema(), &fakeOverrideStore{})
	store.Load(context.Background())

	if err := store.Set(context.Background(), "pressure.slowdown_threshold", "0.5"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	v, _ := store.Get("pressure.slowdown_threshold")
	if v.Value != "0.5" {
		t.Errorf("Get() = %+v, want hot-reloaded 0.5", v)
	}
}

func TestConfigStore_GetInt_TypeMismatch(t *testing.T) {
	store := NewConfigStore(testSchema(), &fakeOverrideStore{})
	store.Load(context.Background())

	if _, err := store.GetInt("pressure.slowdown_threshold"); err == nil {
		t.Error("GetInt() on a float key should error")
	}
}

func TestConfigStore_GetBool(t *testing.T) {
	store := NewConfigStore(testSchema(), &fakeOverrideStore{})
	store.Load(context.Background())

	b, err := store.GetBool("monitor.required")
	if err != nil {
		t.Fatalf("GetBool() error: %v", err)
	}
	if b != false {
		t.Errorf("GetBool() = %v, want false", b)
	}
}
