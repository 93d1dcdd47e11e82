package core

// TLS staging manifest validation. Release tooling stages certificate
// material plus a version-1 JSON manifest describing the service, its env
// prefix and the staged files; the guard checks path containment, export
// hygiene and renewal deadlines before credentials go live.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServiceManifest is the staged-credential description.
type ServiceManifest struct {
	Version           uint32      `json:"version"`
	Service           string      `json:"service"`
	Directory         string      `json:"directory"`
	EnvPrefix         string      `json:"env_prefix"`
	ClientAuth        string      `json:"client_auth"`
	StagedFiles       []string    `json:"staged_files"`
	EnvExports        []EnvExport `json:"env_exports"`
	RenewalTimestamp  *string     `json:"renewal_timestamp,omitempty"`
	RenewalReminder   *string     `json:"renewal_reminder,omitempty"`
	RenewalWindowDays *uint32     `json:"renewal_window_days,omitempty"`
	GeneratedAt       *string     `json:"generated_at,omitempty"`
}

// EnvExport is one staged environment variable.
type EnvExport struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ManifestOutcome is the per-manifest validation verdict.
type ManifestOutcome struct {
	Path     string   `json:"path"`
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ManifestValidationOptions tune the guard's strictness.
type ManifestValidationOptions struct {
	// AllowStaleReminder downgrades an elapsed renewal reminder from an
	// error to a warning.
	AllowStaleReminder bool
	Now                time.Time
}

// ValidateServiceManifest parses and validates the manifest at path.
func ValidateServiceManifest(path string, opts ManifestValidationOptions) ManifestOutcome {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	display := filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return ManifestOutcome{Path: display, Errors: []string{fmt.Sprintf("%s: %v", display, err)}}
	}
	var manifest ServiceManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ManifestOutcome{Path: display, Errors: []string{fmt.Sprintf("%s: invalid JSON: %v", display, err)}}
	}

	var errs, warnings []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("%s: ", display)+fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf("%s: ", display)+fmt.Sprintf(format, args...))
	}

	if manifest.Version != 1 {
		fail("unsupported manifest version %d", manifest.Version)
	}
	if strings.TrimSpace(manifest.Service) == "" {
		fail("service is empty")
	}
	switch manifest.ClientAuth {
	case "required", "optional", "none":
	default:
		fail("client_auth %q must be one of required, optional, none", manifest.ClientAuth)
	}
	if strings.TrimSpace(manifest.EnvPrefix) == "" {
		fail("env_prefix is empty")
	} else if manifest.EnvPrefix != strings.ToUpper(manifest.EnvPrefix) {
		fail("env_prefix %q contains lowercase characters", manifest.EnvPrefix)
	}

	directory, err := filepath.Abs(manifest.Directory)
	if err != nil {
		fail("directory %q: %v", manifest.Directory, err)
	} else if info, statErr := os.Stat(directory); statErr != nil || !info.IsDir() {
		fail("directory %q does not exist", manifest.Directory)
	}

	staged := make(map[string]struct{}, len(manifest.StagedFiles))
	for _, entry := range manifest.StagedFiles {
		abs, err := filepath.Abs(entry)
		if err != nil {
			fail("staged file %q: %v", entry, err)
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			fail("staged file %q does not exist", entry)
			continue
		}
		if directory != "" && !pathContained(directory, abs) {
			fail("staged file %q escapes directory %q", entry, manifest.Directory)
			continue
		}
		staged[abs] = struct{}{}
	}

	expectedPrefix := strings.TrimSuffix(manifest.EnvPrefix, "_") + "_"
	for _, export := range manifest.EnvExports {
		if !strings.HasPrefix(export.Key, expectedPrefix) {
			fail("env export %q does not match env_prefix %q", export.Key, manifest.EnvPrefix)
		}
		if strings.HasSuffix(export.Key, "_INSECURE") {
			continue
		}
		abs, err := filepath.Abs(export.Value)
		if err != nil {
			fail("env export %q value %q: %v", export.Key, export.Value, err)
			continue
		}
		if _, ok := staged[abs]; !ok {
			fail("env export %q references %q which is not listed in staged_files", export.Key, export.Value)
		}
	}

	if manifest.RenewalTimestamp != nil {
		when, err := time.Parse(time.RFC3339, *manifest.RenewalTimestamp)
		switch {
		case err != nil:
			fail("invalid renewal_timestamp %q: %v", *manifest.RenewalTimestamp, err)
		case !when.After(opts.Now):
			fail("certificate renewal timestamp %s has passed", *manifest.RenewalTimestamp)
		}
	}
	if manifest.RenewalReminder != nil {
		when, err := time.Parse(time.RFC3339, *manifest.RenewalReminder)
		switch {
		case err != nil:
			fail("invalid renewal_reminder %q: %v", *manifest.RenewalReminder, err)
		case !when.After(opts.Now):
			if opts.AllowStaleReminder {
				warn("renewal_reminder %s has elapsed", *manifest.RenewalReminder)
			} else {
				fail("renewal_reminder %s has elapsed", *manifest.RenewalReminder)
			}
		}
	}
	if manifest.RenewalWindowDays != nil && *manifest.RenewalWindowDays == 0 {
		warn("renewal_window_days is zero")
	}

	return ManifestOutcome{
		Path:     display,
		Passed:   len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

func pathContained(dir, candidate string) bool {
	rel, err := filepath.Rel(dir, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WriteManifestReport serialises outcomes as a JSON report.
func WriteManifestReport(path string, outcomes []ManifestOutcome) error {
	raw, err := json.MarshalIndent(struct {
		Outcomes []ManifestOutcome `json:"outcomes"`
	}{Outcomes: outcomes}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
