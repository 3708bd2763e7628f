package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "gpu-quota.rego")

	regoContent := `# GPU runs need an explicit quota
# severity: critical
# tags: capacity, gpu
package custom.gpu

import rego.v1

deny contains "gpu quota missing" if {
	input.runnable.resources.gpu
	not input.spec.quota
}`
	writeFile(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "gpu-quota" {
		t.Errorf("Expected name 'gpu-quota', got '%s'", policy.Name)
	}
	if policy.Description != "GPU runs need an explicit quota" {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if len(policy.Tags) != 2 || policy.Tags[0] != "capacity" || policy.Tags[1] != "gpu" {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata)
	}
}

func TestLoadFromFile_RegoDefaults(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "plain.rego")
	writeFile(t, policyFile, "package plain\n\n# not a header\ndeny contains \"x\" if false\n")

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Description != "" {
		t.Errorf("Expected empty description, got '%s'", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", policy.Severity)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "policy.json")

	data, err := json.Marshal(map[string]interface{}{
		"name":     "json-policy",
		"rego":     "package json_policy\n\ndeny contains \"x\" if false\n",
		"severity": "error",
		"enabled":  false,
		"tags":     []string{"test"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	writeFile(t, policyFile, string(data))

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", policy.Severity)
	}
	if policy.Enabled {
		t.Error("Explicitly disabled policy should stay disabled")
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	loader := newTestLoader()
	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, policyFile, `name: yaml-policy
description: from yaml
rego: |
  package yaml_policy

  deny contains "x" if false
`)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "yaml-policy" || policy.Description != "from yaml" {
		t.Errorf("Unexpected policy %+v", policy)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default warning severity, got %s", policy.Severity)
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad.json":        "invalid json",
		"noname.json":     `{"rego": "package x"}`,
		"norego.yaml":     "name: empty",
		"unsupported.txt": "not a policy",
	}

	for file, content := range tests {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(dir, file)
			writeFile(t, path, content)
			if _, err := newTestLoader().loadFromFile(path); err == nil {
				t.Errorf("Expected error for %s", file)
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), "package a\n\ndeny contains \"x\" if false\n")
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n\ndeny contains \"x\" if false\n")
	writeFile(t, filepath.Join(dir, "nested", "readme.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "nested", "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths_NonExistent(t *testing.T) {
	loader := newTestLoader()
	_, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	if err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()
	bundleFile := filepath.Join(dir, "team.bundle.json")

	bundle := Bundle{
		Name:    "team-bundle",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "p1", Rego: "package p1\n\ndeny contains \"x\" if false\n", Severity: SeverityError, Enabled: true},
			{Name: "p2", Rego: "package p2\n\ndeny contains \"x\" if false\n", Enabled: true},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writeFile(t, bundleFile, string(data))
	writeFile(t, filepath.Join(dir, "single.rego"), "package single\n\ndeny contains \"x\" if false\n")

	loaded, err := loader.LoadBundle(bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != bundle.Name || loaded.Version != bundle.Version {
		t.Errorf("Unexpected bundle %s@%s", loaded.Name, loaded.Version)
	}
	if loaded.Policies[1].Severity != SeverityWarning {
		t.Errorf("Expected default warning severity, got %s", loaded.Policies[1].Severity)
	}
	if loaded.Policies[0].Metadata["bundle"] != "team-bundle@1.0.0" {
		t.Errorf("Unexpected bundle metadata %v", loaded.Policies[0].Metadata)
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 3 {
		t.Errorf("Expected 2 bundled and 1 single policy, got %d", len(policies))
	}
}

func TestLoadBundleRejectsUnnamedPolicy(t *testing.T) {
	bundleFile := filepath.Join(t.TempDir(), "bad.bundle.json")
	writeFile(t, bundleFile, `{"name":"bad","version":"0.1.0","policies":[{"rego":"package x"}]}`)

	if _, err := newTestLoader().LoadBundle(bundleFile); err == nil {
		t.Error("Expected error for policy without a name")
	}
}

func TestEngineWatch(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "freeze.rego"), `# severity: error
package custom.freeze

import rego.v1

deny contains "project is frozen" if input.project == "frozen"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	if err := eng.Admit(ctx, admissionInput("frozen", "etl:1", nil)); err == nil {
		t.Fatal("Expected the watched policy to deny")
	}

	writeFile(t, filepath.Join(dir, "thaw.rego"), `# severity: error
package custom.thaw

import rego.v1

deny contains "thawing" if input.project == "thawed"
`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.GetPolicy("thaw"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("New policy file was not picked up")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := eng.GetPolicy("freeze"); err != nil {
		t.Error("Existing policy should survive the reload")
	}
}
