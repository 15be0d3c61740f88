package localbuild

import (
	"fmt"
	"strings"
)

// maxSubstitutionDepth bounds dynamic substitution resolution. Values
// still containing unresolved references after this many passes are
// considered cyclic.
const maxSubstitutionDepth = 10

// BuildSubstitutions assembles the full substitution map for a build:
// built-in variables derived from the runner and the source checkout,
// then the config's declared defaults, then user overrides (highest
// precedence).
func BuildSubstitutions(cfg *BuildConfig, projectID, buildID string, src *SourceInfo, overrides map[string]string) (map[string]string, error) {
	vars := map[string]string{
		"PROJECT_ID":  projectID,
		"BUILD_ID":    buildID,
		"COMMIT_SHA":  "",
		"SHORT_SHA":   "",
		"REVISION_ID": "",
		"REPO_NAME":   "",
		"BRANCH_NAME": "",
		"TAG_NAME":    "",
	}
	if src != nil {
		vars["COMMIT_SHA"] = src.CommitSHA
		vars["SHORT_SHA"] = shortSHA(src.CommitSHA)
		vars["REVISION_ID"] = src.CommitSHA
		vars["REPO_NAME"] = src.RepoName
		vars["BRANCH_NAME"] = src.Branch
		vars["TAG_NAME"] = src.Tag
	}

	for k, v := range cfg.Substitutions {
		vars[k] = v
	}
	for k, v := range overrides {
		if !substitutionKeyRe.MatchString(k) {
			return nil, fmt.Errorf("substitution override %q must match %s", k, substitutionKeyRe)
		}
		vars[k] = v
	}
	return vars, nil
}

// RenderConfig returns a deep copy of cfg with every substitutable
// field expanded against vars. Under the default MUST_MATCH policy an
// undefined reference or an unused user-defined substitution is an
// error; ALLOW_LOOSE downgrades both, expanding unknown references to
// the empty string.
func RenderConfig(cfg *BuildConfig, vars map[string]string) (*BuildConfig, error) {
	allowLoose := cfg.Options != nil && cfg.Options.SubstitutionOption == "ALLOW_LOOSE"
	dynamic := cfg.Options != nil && cfg.Options.DynamicSubstitutions

	used := make(map[string]bool)

	// Work on a copy so caller-supplied maps stay untouched.
	resolved := make(map[string]string, len(vars))
	for k, v := range vars {
		resolved[k] = v
	}

	if dynamic {
		if err := resolveDynamicValues(resolved, allowLoose, used); err != nil {
			return nil, err
		}
	}

	expand := func(s string) (string, error) {
		return expandTemplate(s, resolved, allowLoose, used)
	}
	expandList := func(list []string) ([]string, error) {
		if list == nil {
			return nil, nil
		}
		out := make([]string, len(list))
		for i, s := range list {
			v, err := expand(s)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	out := cloneConfig(cfg)
	var err error
	for i, step := range out.Steps {
		if step.Name, err = expand(step.Name); err != nil {
			return nil, fmt.Errorf("step %d: name: %w", i, err)
		}
		if step.Args, err = expandList(step.Args); err != nil {
			return nil, fmt.Errorf("step %d: args: %w", i, err)
		}
		if step.Env, err = expandList(step.Env); err != nil {
			return nil, fmt.Errorf("step %d: env: %w", i, err)
		}
		if step.Dir, err = expand(step.Dir); err != nil {
			return nil, fmt.Errorf("step %d: dir: %w", i, err)
		}
		if step.Entrypoint, err = expand(step.Entrypoint); err != nil {
			return nil, fmt.Errorf("step %d: entrypoint: %w", i, err)
		}
	}
	if out.Images, err = expandList(out.Images); err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}
	if out.Tags, err = expandList(out.Tags); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	if out.LogsBucket, err = expand(out.LogsBucket); err != nil {
		return nil, fmt.Errorf("logsBucket: %w", err)
	}

	if !allowLoose {
		for key := range resolved {
			if strings.HasPrefix(key, "_") && !used[key] {
				return nil, fmt.Errorf("substitution %q is defined but never used", key)
			}
		}
	}

	return out, nil
}

// resolveDynamicValues expands user-defined substitution values that
// reference other substitutions, in place. Resolution iterates to a
// fixpoint with a bounded pass count; a value that never stabilizes
// means the definitions are cyclic.
func resolveDynamicValues(vars map[string]string, allowLoose bool, used map[string]bool) error {
	for pass := 0; pass < maxSubstitutionDepth; pass++ {
		changed := false
		for key, value := range vars {
			if !strings.HasPrefix(key, "_") {
				continue
			}
			expanded, err := expandTemplate(value, vars, allowLoose, used)
			if err != nil {
				return fmt.Errorf("substitution %q: %w", key, err)
			}
			if expanded != value {
				vars[key] = expanded
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	return fmt.Errorf("dynamic substitutions did not resolve after %d passes (cycle?)", maxSubstitutionDepth)
}

// expandTemplate expands $VAR and ${VAR} references in s against
// vars. "$$" produces a literal "$". Unknown references are an error
// unless allowLoose, in which case they expand to "". Every resolved
// reference is recorded in used.
func expandTemplate(s string, vars map[string]string, allowLoose bool, used map[string]bool) (string, error) {
	if !strings.ContainsRune(s, '$') {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		// "$" is the last byte: literal
		if i+1 >= len(s) {
			b.WriteByte('$')
			break
		}
		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated ${ in %q", s)
			}
			name := s[i+2 : i+2+end]
			if !validVarName(name) {
				return "", fmt.Errorf("invalid variable name %q in %q", name, s)
			}
			val, err := lookupVar(name, vars, allowLoose)
			if err != nil {
				return "", err
			}
			used[name] = true
			b.WriteString(val)
			i += 2 + end + 1
		case isVarStart(next):
			j := i + 1
			for j < len(s) && isVarChar(s[j]) {
				j++
			}
			name := s[i+1 : j]
			val, err := lookupVar(name, vars, allowLoose)
			if err != nil {
				return "", err
			}
			used[name] = true
			b.WriteString(val)
			i = j
		default:
			b.WriteByte('$')
			i++
		}
	}
	return b.String(), nil
}

func lookupVar(name string, vars map[string]string, allowLoose bool) (string, error) {
	if val, ok := vars[name]; ok {
		return val, nil
	}
	if allowLoose {
		return "", nil
	}
	return "", fmt.Errorf("key %q in the template is not matched in the substitutions map", name)
}

// Bare $NAME references use the uppercase convention of the format;
// ${NAME} accepts the same character set.
func isVarStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z')
}

func isVarChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func validVarName(name string) bool {
	if name == "" || !isVarStart(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isVarChar(name[i]) {
			return false
		}
	}
	return true
}

// cloneConfig deep-copies a BuildConfig so rendering never mutates
// the parsed original.
func cloneConfig(cfg *BuildConfig) *BuildConfig {
	out := &BuildConfig{
		Timeout:    cfg.Timeout,
		QueueTTL:   cfg.QueueTTL,
		LogsBucket: cfg.LogsBucket,
		Images:     append([]string(nil), cfg.Images...),
		Tags:       append([]string(nil), cfg.Tags...),
	}
	if cfg.Substitutions != nil {
		out.Substitutions = make(map[string]string, len(cfg.Substitutions))
		for k, v := range cfg.Substitutions {
			out.Substitutions[k] = v
		}
	}
	for _, step := range cfg.Steps {
		s := *step
		s.Args = append([]string(nil), step.Args...)
		s.Env = append([]string(nil), step.Env...)
		s.WaitFor = append([]string(nil), step.WaitFor...)
		s.SecretEnv = append([]string(nil), step.SecretEnv...)
		s.AllowExitCodes = append([]int(nil), step.AllowExitCodes...)
		s.Volumes = cloneVolumes(step.Volumes)
		out.Steps = append(out.Steps, &s)
	}
	if cfg.Options != nil {
		o := *cfg.Options
		o.Env = append([]string(nil), cfg.Options.Env...)
		o.Volumes = cloneVolumes(cfg.Options.Volumes)
		out.Options = &o
	}
	if cfg.AvailableSecrets != nil {
		as := &AvailableSecrets{}
		for _, sec := range cfg.AvailableSecrets.Inline {
			s := *sec
			as.Inline = append(as.Inline, &s)
		}
		out.AvailableSecrets = as
	}
	return out
}

func cloneVolumes(volumes []*Volume) []*Volume {
	if volumes == nil {
		return nil
	}
	out := make([]*Volume, len(volumes))
	for i, v := range volumes {
		c := *v
		out[i] = &c
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
