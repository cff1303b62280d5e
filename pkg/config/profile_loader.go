package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nooterra/nooterra/pkg/run"
)

// PolicyProfile is a tenant settlement policy loaded from YAML. Profiles are
// operator-managed defaults; per-agreement policy artifacts override them.
type PolicyProfile struct {
	Name              string           `yaml:"name" json:"name"`
	Code              string           `yaml:"code" json:"code"`
	Release           map[string]int64 `yaml:"release" json:"release"` // verificationStatus → releaseRatePct
	Predicate         string           `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	DisputeWindowDays int              `yaml:"dispute_window_days" json:"dispute_window_days"`
	Currency          string           `yaml:"currency,omitempty" json:"currency,omitempty"`
}

// Validate rejects profiles whose release rates fall outside 0..100.
func (p *PolicyProfile) Validate() error {
	for status, pct := range p.Release {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("profile %q: release rate for %q out of range: %d", p.Code, status, pct)
		}
	}
	if p.DisputeWindowDays < 0 {
		return fmt.Errorf("profile %q: negative dispute window", p.Code)
	}
	return nil
}

// ToPolicy converts the profile into an executable settlement policy.
func (p *PolicyProfile) ToPolicy() *run.Policy {
	release := make(map[string]int64, len(p.Release))
	for k, v := range p.Release {
		release[k] = v
	}
	return &run.Policy{
		PolicyHash: "profile:" + p.Code,
		Release:    release,
		Predicate:  p.Predicate,
	}
}

// LoadProfile loads one profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*PolicyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*PolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PolicyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}
