package api

import (
	"os"
	"reflect"
	"testing"
)

func TestCorsOrigins_DefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("CORS_ORIGINS")
	got := corsOrigins()
	want := []string{"https://projectjarvis.io", "http://localhost:5173", "http://localhost:8080"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("corsOrigins() = %v, want %v", got, want)
	}
}

func TestCorsOrigins_ParsesEnvList(t *testing.T) {
	os.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	defer os.Unsetenv("CORS_ORIGINS")

	got := corsOrigins()
	want := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("corsOrigins() = %v, want %v", got, want)
	}
}
