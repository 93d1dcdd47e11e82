package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir string, manifest ServiceManifest) string {
	t.Helper()
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func stagedManifest(t *testing.T) (ServiceManifest, string) {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.cert")
	if err := os.WriteFile(certPath, []byte("cert"), 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	future := time.Now().UTC().Add(365 * 24 * time.Hour).Format(time.RFC3339)
	return ServiceManifest{
		Version:          1,
		Service:          "node-rpc",
		Directory:        dir,
		EnvPrefix:        "TB_NODE",
		ClientAuth:       "required",
		StagedFiles:      []string{certPath},
		EnvExports:       []EnvExport{{Key: "TB_NODE_CERT", Value: certPath}},
		RenewalTimestamp: &future,
	}, dir
}

func TestManifestValidationPasses(t *testing.T) {
	manifest, dir := stagedManifest(t)
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if !outcome.Passed {
		t.Fatalf("expected pass, got %+v", outcome)
	}
}

func TestManifestRejectsEscapingPaths(t *testing.T) {
	manifest, dir := stagedManifest(t)
	outside := filepath.Join(t.TempDir(), "outside.cert")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	manifest.StagedFiles = append(manifest.StagedFiles, outside)
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if outcome.Passed {
		t.Fatalf("escaping staged file must fail")
	}
	found := false
	for _, failure := range outcome.Errors {
		if strings.Contains(failure, "escapes directory") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected containment error, got %+v", outcome.Errors)
	}
}

func TestManifestRejectsForeignEnvExports(t *testing.T) {
	manifest, dir := stagedManifest(t)
	manifest.EnvExports = append(manifest.EnvExports, EnvExport{Key: "OTHER_CERT", Value: manifest.StagedFiles[0]})
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if outcome.Passed {
		t.Fatalf("foreign env export must fail")
	}

	manifest, dir = stagedManifest(t)
	manifest.EnvExports = append(manifest.EnvExports, EnvExport{Key: "TB_NODE_KEY", Value: "/nonexistent/key"})
	outcome = ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if outcome.Passed {
		t.Fatalf("export referencing unstaged file must fail")
	}
}

func TestManifestLowercasePrefixRejected(t *testing.T) {
	manifest, dir := stagedManifest(t)
	manifest.EnvPrefix = "tb_node"
	manifest.EnvExports = []EnvExport{{Key: "tb_node_CERT", Value: manifest.StagedFiles[0]}}
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if outcome.Passed {
		t.Fatalf("lowercase env prefix must fail")
	}
}

func TestManifestStaleReminderDowngrade(t *testing.T) {
	manifest, dir := stagedManifest(t)
	past := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	manifest.RenewalReminder = &past

	strict := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if strict.Passed {
		t.Fatalf("stale reminder must fail by default")
	}
	relaxed := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{AllowStaleReminder: true})
	if !relaxed.Passed {
		t.Fatalf("stale reminder must downgrade with the flag: %+v", relaxed)
	}
	if len(relaxed.Warnings) == 0 {
		t.Fatalf("expected a warning for the stale reminder")
	}
}

func TestManifestElapsedRenewalFails(t *testing.T) {
	manifest, dir := stagedManifest(t)
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	manifest.RenewalTimestamp = &past
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if outcome.Passed {
		t.Fatalf("elapsed renewal must fail")
	}
}

func TestManifestInsecureExportSkipsStagingCheck(t *testing.T) {
	manifest, dir := stagedManifest(t)
	manifest.EnvExports = append(manifest.EnvExports, EnvExport{Key: "TB_NODE_INSECURE", Value: "1"})
	outcome := ValidateServiceManifest(writeManifest(t, dir, manifest), ManifestValidationOptions{})
	if !outcome.Passed {
		t.Fatalf("insecure flag export must not require staging: %+v", outcome)
	}
}

func TestManifestReportSerialization(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")
	outcomes := []ManifestOutcome{{Path: "m.json", Passed: true, Warnings: []string{"w"}}}
	if err := WriteManifestReport(report, outcomes); err != nil {
		t.Fatalf("write report: %v", err)
	}
	raw, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var parsed struct {
		Outcomes []ManifestOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if len(parsed.Outcomes) != 1 || !parsed.Outcomes[0].Passed {
		t.Fatalf("unexpected report: %+v", parsed)
	}
}
