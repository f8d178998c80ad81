package domain

import "time"

// Policy holds the tunable limits for negotiation and generation.
type Policy struct {
	MinProblems    int              `yaml:"min_problems"`
	MaxProblems    int              `yaml:"max_problems"`
	MaxTopics      int              `yaml:"max_topics"`
	MaxTopicLength int              `yaml:"max_topic_length"`
	MaxFreeText    int              `yaml:"max_free_text"`
	MaxMessage     int              `yaml:"max_message"`
	TestCases      map[Language]int `yaml:"test_cases"`
	MaxAttempts    int              `yaml:"max_attempts"`
	BackoffBase    time.Duration    `yaml:"backoff_base"`
	BackoffMax     time.Duration    `yaml:"backoff_max"`
	Workers        int              `yaml:"workers"`
	SandboxTimeout time.Duration    `yaml:"sandbox_timeout"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MinProblems:    1,
		MaxProblems:    7,
		MaxTopics:      8,
		MaxTopicLength: 40,
		MaxFreeText:    500,
		MaxMessage:     4000,
		TestCases: map[Language]int{
			LanguagePython:     8,
			LanguageJavaScript: 8,
			LanguageJava:       8,
			LanguageSQL:        4,
		},
		MaxAttempts:    3,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		Workers:        2,
		SandboxTimeout: 20 * time.Second,
	}
}

// TestCaseCount returns the expected number of test cases for lang.
func (p Policy) TestCaseCount(lang Language) int {
	if n, ok := p.TestCases[lang]; ok && n > 0 {
		return n
	}
	return 8
}
