package config

import (
	"fmt"
	"os"

	"github.com/ashureev/shsh-forge/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadPolicy returns the default policy overlaid with the YAML file at path.
// An empty path yields the defaults.
func LoadPolicy(path string) (domain.Policy, error) {
	pol := domain.DefaultPolicy()
	if path == "" {
		return pol, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pol, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return pol, fmt.Errorf("parse policy file: %w", err)
	}
	if err := ValidatePolicy(pol); err != nil {
		return pol, err
	}
	return pol, nil
}

// ValidatePolicy checks policy bounds.
func ValidatePolicy(p domain.Policy) error {
	if p.MinProblems < 1 || p.MaxProblems < p.MinProblems {
		return fmt.Errorf("policy: problem bounds [%d, %d] are invalid", p.MinProblems, p.MaxProblems)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy: max_attempts must be >= 1")
	}
	if p.Workers < 1 {
		return fmt.Errorf("policy: workers must be >= 1")
	}
	if p.MaxTopics < 1 || p.MaxTopicLength < 1 {
		return fmt.Errorf("policy: topic limits must be >= 1")
	}
	for lang, n := range p.TestCases {
		if !lang.Valid() || n < 1 {
			return fmt.Errorf("policy: invalid test case count %d for %q", n, lang)
		}
	}
	return nil
}
