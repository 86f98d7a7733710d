package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hivegrid/hivegrid/pkg/models"
)

func writeCatalog(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalCatalogShadowsDefault(t *testing.T) {
	dir := t.TempDir()
	defaultPath := writeCatalog(t, dir, "llm-services.yaml", `
services:
  - id: default-svc
    name: Default
    model: gpt-4o-mini
`)
	localPath := writeCatalog(t, dir, "llm-services.local.yaml", `
services:
  - id: local-svc
    name: Local
    model: gpt-4o
`)

	r := NewRegistry(nil)
	if err := r.LoadFromFiles(defaultPath, localPath); err != nil {
		t.Fatalf("LoadFromFiles: %v", err)
	}
	if _, ok := r.GetServiceByID("local-svc"); !ok {
		t.Error("local service missing")
	}
	// Shadowing replaces the default file entirely; it is not a merge.
	if _, ok := r.GetServiceByID("default-svc"); ok {
		t.Error("default service should be shadowed by the local file")
	}
}

func TestMalformedEntriesSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "llm-services.yaml", `
services:
  - id: good
    name: Good
    model: gpt-4o-mini
  - id: ""
    name: missing id and model
  - just a string
  - id: also-good
    name: Also
    model: gpt-4o
`)
	r := NewRegistry(nil)
	if err := r.LoadFromFiles(path, ""); err != nil {
		t.Fatalf("LoadFromFiles: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("loaded %d services, want 2", r.Len())
	}
}

func TestCapabilityDefaultsToTextOnly(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Upsert(&models.ServiceDefinition{ID: "plain", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if !r.HasCapability("plain", models.CapabilityText, models.DirectionInput) {
		t.Error("text input should default to supported")
	}
	if r.HasCapability("plain", models.CapabilityImage, models.DirectionInput) {
		t.Error("image input should not be supported by default")
	}
	if r.HasCapability("missing", models.CapabilityText, models.DirectionInput) {
		t.Error("unknown service should have no capabilities")
	}
}

func TestGetServicesByCapability(t *testing.T) {
	r := NewRegistry(nil)
	mustUpsert := func(def *models.ServiceDefinition) {
		t.Helper()
		if err := r.Upsert(def); err != nil {
			t.Fatal(err)
		}
	}
	mustUpsert(&models.ServiceDefinition{ID: "text-only", Model: "m"})
	mustUpsert(&models.ServiceDefinition{ID: "vision", Model: "m", Capabilities: &models.ServiceCapabilities{
		Input:  []string{models.CapabilityText, models.CapabilityImage},
		Output: []string{models.CapabilityText},
	}})

	vision := r.GetServicesByCapability(models.CapabilityImage, models.DirectionInput)
	if len(vision) != 1 || vision[0].ID != "vision" {
		t.Errorf("vision services = %v", vision)
	}
}
