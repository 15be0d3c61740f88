package localbuild

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildConfig represents a parsed build configuration file.
type BuildConfig struct {
	Steps            []*BuildStep      `json:"steps" yaml:"steps"`
	Substitutions    map[string]string `json:"substitutions,omitempty" yaml:"substitutions,omitempty"`
	Options          *BuildOptions     `json:"options,omitempty" yaml:"options,omitempty"`
	Timeout          string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	QueueTTL         string            `json:"queueTtl,omitempty" yaml:"queueTtl,omitempty"`
	LogsBucket       string            `json:"logsBucket,omitempty" yaml:"logsBucket,omitempty"`
	Images           []string          `json:"images,omitempty" yaml:"images,omitempty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	AvailableSecrets *AvailableSecrets `json:"availableSecrets,omitempty" yaml:"availableSecrets,omitempty"`
}

// BuildStep is a single containerized step in a build.
type BuildStep struct {
	Name           string    `json:"name" yaml:"name"`
	Args           []string  `json:"args,omitempty" yaml:"args,omitempty"`
	Entrypoint     string    `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Env            []string  `json:"env,omitempty" yaml:"env,omitempty"`
	Dir            string    `json:"dir,omitempty" yaml:"dir,omitempty"`
	ID             string    `json:"id,omitempty" yaml:"id,omitempty"`
	WaitFor        []string  `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`
	Timeout        string    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SecretEnv      []string  `json:"secretEnv,omitempty" yaml:"secretEnv,omitempty"`
	AllowFailure   bool      `json:"allowFailure,omitempty" yaml:"allowFailure,omitempty"`
	AllowExitCodes []int     `json:"allowExitCodes,omitempty" yaml:"allowExitCodes,omitempty"`
	Volumes        []*Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// BuildOptions are build-wide execution options.
type BuildOptions struct {
	Env                  []string  `json:"env,omitempty" yaml:"env,omitempty"`
	MachineType          string    `json:"machineType,omitempty" yaml:"machineType,omitempty"`
	DynamicSubstitutions bool      `json:"dynamicSubstitutions,omitempty" yaml:"dynamicSubstitutions,omitempty"`
	SubstitutionOption   string    `json:"substitutionOption,omitempty" yaml:"substitutionOption,omitempty"` // MUST_MATCH, ALLOW_LOOSE
	Volumes              []*Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Logging              string    `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Volume is a named volume mounted into a step container.
type Volume struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// AvailableSecrets declares the secret values a build may reference
// through step secretEnv entries. The local runner supports inline
// secrets whose value is given directly or read from the runner's own
// environment.
type AvailableSecrets struct {
	Inline []*InlineSecret `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// InlineSecret maps a secret environment variable name to its value.
type InlineSecret struct {
	Env     string `json:"env" yaml:"env"`
	Value   string `json:"value,omitempty" yaml:"value,omitempty"`
	FromEnv string `json:"fromEnv,omitempty" yaml:"fromEnv,omitempty"`
}

// rawStep is the intermediate YAML structure for a step, decoded after
// key normalization so both camelCase and snake_case spellings work.
type rawStep struct {
	Name           string      `yaml:"name"`
	Args           interface{} `yaml:"args"`
	Entrypoint     string      `yaml:"entrypoint"`
	Env            interface{} `yaml:"env"`
	Dir            string      `yaml:"dir"`
	ID             string      `yaml:"id"`
	WaitFor        interface{} `yaml:"waitfor"`
	Timeout        interface{} `yaml:"timeout"`
	SecretEnv      interface{} `yaml:"secretenv"`
	AllowFailure   interface{} `yaml:"allowfailure"`
	AllowExitCodes []int       `yaml:"allowexitcodes"`
	Volumes        []rawVolume `yaml:"volumes"`
}

type rawVolume struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type rawOptions struct {
	Env                  interface{} `yaml:"env"`
	MachineType          string      `yaml:"machinetype"`
	DynamicSubstitutions bool        `yaml:"dynamicsubstitutions"`
	SubstitutionOption   string      `yaml:"substitutionoption"`
	Volumes              []rawVolume `yaml:"volumes"`
	Logging              string      `yaml:"logging"`
}

type rawSecrets struct {
	Inline []struct {
		Env     string `yaml:"env"`
		Value   string `yaml:"value"`
		FromEnv string `yaml:"fromenv"`
	} `yaml:"inline"`
}

// LoadConfig reads and parses a build configuration file.
func LoadConfig(path string) (*BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses build configuration YAML into a BuildConfig.
// Schema keys are accepted in both camelCase and snake_case form;
// substitution keys and env values are preserved verbatim.
func ParseConfig(yamlBytes []byte) (*BuildConfig, error) {
	// First pass: decode all top-level keys into a generic map
	var topLevel map[string]interface{}
	if err := yaml.Unmarshal(yamlBytes, &topLevel); err != nil {
		return nil, fmt.Errorf("parse build config YAML: %w", err)
	}
	if topLevel == nil {
		return nil, fmt.Errorf("build config is empty")
	}
	topLevel = normalizeKeys(topLevel)

	cfg := &BuildConfig{}

	// Steps
	rawSteps, ok := topLevel["steps"]
	if !ok {
		return nil, fmt.Errorf("build config has no steps")
	}
	stepList, ok := rawSteps.([]interface{})
	if !ok {
		return nil, fmt.Errorf("steps must be a list")
	}
	for i, item := range stepList {
		stepMap, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d: must be a mapping, got %T", i, item)
		}
		step, err := parseStep(normalizeKeys(stepMap))
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		cfg.Steps = append(cfg.Steps, step)
	}

	// Substitutions: keys kept verbatim, values stringified
	if rawSubs, ok := topLevel["substitutions"]; ok {
		m, ok := rawSubs.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("substitutions must be a mapping")
		}
		cfg.Substitutions = make(map[string]string, len(m))
		for k, v := range m {
			cfg.Substitutions[k] = scalarString(v)
		}
	}

	// Options
	if rawOpts, ok := topLevel["options"]; ok {
		m, ok := rawOpts.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("options must be a mapping")
		}
		opts, err := parseOptions(normalizeKeys(m))
		if err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
		cfg.Options = opts
	}

	cfg.Timeout = scalarString(topLevel["timeout"])
	cfg.QueueTTL = scalarString(topLevel["queuettl"])
	cfg.LogsBucket = scalarString(topLevel["logsbucket"])

	var err error
	if cfg.Images, err = parseStringList(topLevel["images"]); err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}
	if cfg.Tags, err = parseStringList(topLevel["tags"]); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}

	// Available secrets
	if rawSec, ok := topLevel["availablesecrets"]; ok {
		secrets, err := parseAvailableSecrets(rawSec)
		if err != nil {
			return nil, fmt.Errorf("availableSecrets: %w", err)
		}
		cfg.AvailableSecrets = secrets
	}

	return cfg, nil
}

func parseStep(stepMap map[string]interface{}) (*BuildStep, error) {
	// Re-marshal the normalized map and decode as rawStep
	stepYAML, err := yaml.Marshal(stepMap)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	var rs rawStep
	if err := yaml.Unmarshal(stepYAML, &rs); err != nil {
		return nil, err
	}

	step := &BuildStep{
		Name:           rs.Name,
		Entrypoint:     rs.Entrypoint,
		Dir:            rs.Dir,
		ID:             rs.ID,
		Timeout:        scalarString(rs.Timeout),
		AllowExitCodes: rs.AllowExitCodes,
	}

	if step.Args, err = parseStringList(rs.Args); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	if step.Env, err = parseStringList(rs.Env); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	if step.WaitFor, err = parseStringList(rs.WaitFor); err != nil {
		return nil, fmt.Errorf("waitFor: %w", err)
	}
	if step.SecretEnv, err = parseStringList(rs.SecretEnv); err != nil {
		return nil, fmt.Errorf("secretEnv: %w", err)
	}

	switch v := rs.AllowFailure.(type) {
	case nil:
	case bool:
		step.AllowFailure = v
	case string:
		step.AllowFailure = v == "true"
	default:
		return nil, fmt.Errorf("allowFailure must be a boolean, got %T", v)
	}

	for _, rv := range rs.Volumes {
		step.Volumes = append(step.Volumes, &Volume{Name: rv.Name, Path: rv.Path})
	}

	return step, nil
}

func parseOptions(m map[string]interface{}) (*BuildOptions, error) {
	optsYAML, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	var ro rawOptions
	if err := yaml.Unmarshal(optsYAML, &ro); err != nil {
		return nil, err
	}

	opts := &BuildOptions{
		MachineType:          ro.MachineType,
		DynamicSubstitutions: ro.DynamicSubstitutions,
		SubstitutionOption:   ro.SubstitutionOption,
		Logging:              ro.Logging,
	}
	if opts.Env, err = parseStringList(ro.Env); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	for _, rv := range ro.Volumes {
		opts.Volumes = append(opts.Volumes, &Volume{Name: rv.Name, Path: rv.Path})
	}
	return opts, nil
}

func parseAvailableSecrets(v interface{}) (*AvailableSecrets, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("must be a mapping")
	}
	m = normalizeKeys(m)
	inlineRaw, ok := m["inline"]
	if !ok {
		return nil, nil
	}
	list, ok := inlineRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("inline must be a list")
	}

	secrets := &AvailableSecrets{}
	for i, item := range list {
		em, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("inline entry %d: must be a mapping", i)
		}
		em = normalizeKeys(em)
		secrets.Inline = append(secrets.Inline, &InlineSecret{
			Env:     scalarString(em["env"]),
			Value:   scalarString(em["value"]),
			FromEnv: scalarString(em["fromenv"]),
		})
	}
	return secrets, nil
}

// normalizeKeys returns a shallow copy of m with each key lowercased
// and underscores removed, so "waitFor", "wait_for" and "waitfor" all
// decode into the same field. Values are left untouched.
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(strings.ToLower(k), "_", "")] = v
	}
	return out
}

// parseStringList parses a YAML value that can be a string or a list
// of scalars.
func parseStringList(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				result = append(result, it)
			case int, int64, float64, bool:
				result = append(result, scalarString(it))
			default:
				return nil, fmt.Errorf("expected string, got %T", item)
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

// scalarString renders a YAML scalar value as its string form.
// Returns "" for nil.
func scalarString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
