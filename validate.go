package localbuild

import (
	"fmt"
	"regexp"
	"strings"
)

// substitutionKeyRe is the shape user-defined substitution keys must
// have: a leading underscore, then uppercase letters, digits and
// underscores.
var substitutionKeyRe = regexp.MustCompile(`^_[A-Z0-9_]+$`)

var volumeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const (
	maxSubstitutionKeyLen   = 100
	maxSubstitutionValueLen = 4000
)

// machineTypes are the machine type selections the format accepts.
var machineTypes = map[string]bool{
	"UNSPECIFIED":   true,
	"E2_MEDIUM":     true,
	"E2_HIGHCPU_8":  true,
	"E2_HIGHCPU_32": true,
	"N1_HIGHCPU_8":  true,
	"N1_HIGHCPU_32": true,
}

// ValidateConfig checks a parsed build configuration for schema
// errors: required fields, unique step IDs, parseable durations,
// well-formed substitution keys and env entries, and consistent
// waitFor / secretEnv references.
func ValidateConfig(cfg *BuildConfig) error {
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("build config must declare at least one step")
	}

	// Collect step IDs, checking uniqueness
	ids := make(map[string]int, len(cfg.Steps))
	for i, step := range cfg.Steps {
		if step.ID == "" {
			continue
		}
		if prev, dup := ids[step.ID]; dup {
			return fmt.Errorf("step %d: id %q already used by step %d", i, step.ID, prev)
		}
		ids[step.ID] = i
	}

	secretEnvs, err := validateAvailableSecrets(cfg.AvailableSecrets)
	if err != nil {
		return err
	}

	for i, step := range cfg.Steps {
		if err := validateStep(i, step, ids, secretEnvs); err != nil {
			return err
		}
	}

	if cfg.Timeout != "" {
		d, err := parseBuildDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		if d > maxBuildTimeout {
			return fmt.Errorf("timeout %s exceeds maximum %s", cfg.Timeout, formatDuration(maxBuildTimeout))
		}
	}
	if cfg.QueueTTL != "" {
		if _, err := parseBuildDuration(cfg.QueueTTL); err != nil {
			return fmt.Errorf("queueTtl: %w", err)
		}
	}

	for key, value := range cfg.Substitutions {
		if !substitutionKeyRe.MatchString(key) {
			return fmt.Errorf("substitution key %q must match %s", key, substitutionKeyRe)
		}
		if len(key) > maxSubstitutionKeyLen {
			return fmt.Errorf("substitution key %q exceeds %d characters", key, maxSubstitutionKeyLen)
		}
		if len(value) > maxSubstitutionValueLen {
			return fmt.Errorf("substitution %q: value exceeds %d bytes", key, maxSubstitutionValueLen)
		}
	}

	if cfg.Options != nil {
		if err := validateOptions(cfg.Options); err != nil {
			return err
		}
	}

	if cfg.LogsBucket != "" {
		if strings.Contains(cfg.LogsBucket, "://") && !strings.HasPrefix(cfg.LogsBucket, "gs://") {
			return fmt.Errorf("logsBucket %q: only gs:// URLs or local paths are supported", cfg.LogsBucket)
		}
	}

	for i, img := range cfg.Images {
		if strings.TrimSpace(img) == "" {
			return fmt.Errorf("images[%d]: empty image reference", i)
		}
	}

	return nil
}

func validateStep(i int, step *BuildStep, ids map[string]int, secretEnvs map[string]bool) error {
	if strings.TrimSpace(step.Name) == "" {
		return fmt.Errorf("step %d: name (image reference) is required", i)
	}

	// waitFor entries must be "-" (start immediately) or the ID of a
	// step declared earlier. The local runner executes steps in
	// declared order, so a forward reference could never be honored.
	for _, dep := range step.WaitFor {
		if dep == "-" {
			continue
		}
		depIdx, ok := ids[dep]
		if !ok {
			return fmt.Errorf("step %d: waitFor references unknown step id %q", i, dep)
		}
		if depIdx == i {
			return fmt.Errorf("step %d: waitFor references itself", i)
		}
		if depIdx > i {
			return fmt.Errorf("step %d: waitFor references later step %q", i, dep)
		}
	}

	if step.Timeout != "" {
		if _, err := parseBuildDuration(step.Timeout); err != nil {
			return fmt.Errorf("step %d: timeout: %w", i, err)
		}
	}

	for _, entry := range step.Env {
		if err := validateEnvEntry(entry); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, name := range step.SecretEnv {
		if !secretEnvs[name] {
			return fmt.Errorf("step %d: secretEnv %q is not defined in availableSecrets", i, name)
		}
	}

	for _, code := range step.AllowExitCodes {
		if code < 0 || code > 255 {
			return fmt.Errorf("step %d: allowExitCodes value %d out of range 0-255", i, code)
		}
	}

	if err := validateVolumes(step.Volumes); err != nil {
		return fmt.Errorf("step %d: %w", i, err)
	}

	return nil
}

func validateOptions(opts *BuildOptions) error {
	for _, entry := range opts.Env {
		if err := validateEnvEntry(entry); err != nil {
			return fmt.Errorf("options: %w", err)
		}
	}
	if opts.MachineType != "" && !machineTypes[opts.MachineType] {
		return fmt.Errorf("options: unknown machineType %q", opts.MachineType)
	}
	switch opts.SubstitutionOption {
	case "", "MUST_MATCH", "ALLOW_LOOSE":
	default:
		return fmt.Errorf("options: substitutionOption must be MUST_MATCH or ALLOW_LOOSE, got %q", opts.SubstitutionOption)
	}
	if err := validateVolumes(opts.Volumes); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}

func validateVolumes(volumes []*Volume) error {
	names := make(map[string]bool, len(volumes))
	paths := make(map[string]bool, len(volumes))
	for _, v := range volumes {
		if !volumeNameRe.MatchString(v.Name) {
			return fmt.Errorf("volume name %q is invalid", v.Name)
		}
		if names[v.Name] {
			return fmt.Errorf("volume name %q used twice", v.Name)
		}
		names[v.Name] = true
		if !strings.HasPrefix(v.Path, "/") {
			return fmt.Errorf("volume %q: path must be absolute, got %q", v.Name, v.Path)
		}
		if v.Path == workspaceDir {
			return fmt.Errorf("volume %q: path %s is reserved", v.Name, workspaceDir)
		}
		if paths[v.Path] {
			return fmt.Errorf("volume %q: path %q used twice", v.Name, v.Path)
		}
		paths[v.Path] = true
	}
	return nil
}

// validateAvailableSecrets checks inline secret declarations and
// returns the set of declared secret env names.
func validateAvailableSecrets(secrets *AvailableSecrets) (map[string]bool, error) {
	declared := make(map[string]bool)
	if secrets == nil {
		return declared, nil
	}
	for i, sec := range secrets.Inline {
		if sec.Env == "" {
			return nil, fmt.Errorf("availableSecrets: inline entry %d has no env name", i)
		}
		if declared[sec.Env] {
			return nil, fmt.Errorf("availableSecrets: secret env %q defined twice", sec.Env)
		}
		if sec.Value == "" && sec.FromEnv == "" {
			return nil, fmt.Errorf("availableSecrets: secret env %q has neither value nor fromEnv", sec.Env)
		}
		if sec.Value != "" && sec.FromEnv != "" {
			return nil, fmt.Errorf("availableSecrets: secret env %q sets both value and fromEnv", sec.Env)
		}
		declared[sec.Env] = true
	}
	return declared, nil
}

func validateEnvEntry(entry string) error {
	key, _, ok := strings.Cut(entry, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("env entry %q is not KEY=VALUE", entry)
	}
	return nil
}
