package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script defines how the mock backend answers chat requests.
type Script struct {
	Settings Settings `yaml:"settings"`
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`

	// Sessions seeds resumable sessions.
	Sessions []SessionFixture `yaml:"sessions,omitempty"`
}

// SessionFixture is a stored session with its transcript.
type SessionFixture struct {
	ID       string           `yaml:"id"`
	Title    string           `yaml:"title"`
	Messages []MessageFixture `yaml:"messages"`
}

// MessageFixture is one stored transcript entry.
type MessageFixture struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// Settings configures session metadata and pacing.
type Settings struct {
	Provider     string          `yaml:"provider"`
	Model        string          `yaml:"model"`
	Version      string          `yaml:"version"`
	Capabilities map[string]bool `yaml:"capabilities"`
	LagMS        int             `yaml:"lag_ms"`         // delay before the first frame of a turn
	ChunkDelayMS int             `yaml:"chunk_delay_ms"` // delay between streamed frames
	ChunkSize    int             `yaml:"chunk_size"`     // characters per text frame, 0 = whole words
}

// Defaults defines fallback behavior.
type Defaults struct {
	Fallback string `yaml:"fallback"`
}

// Rule maps a prompt to a scripted turn.
type Rule struct {
	Name       string          `yaml:"name"`
	Match      MatchConfig     `yaml:"match"`
	Priority   int             `yaml:"priority"`
	Thinking   *ThinkingStep   `yaml:"thinking,omitempty"`
	Tools      []ToolStep      `yaml:"tools,omitempty"`
	Permission *PermissionStep `yaml:"permission,omitempty"`
	Response   string          `yaml:"response"`
	CostUSD    float64         `yaml:"cost_usd,omitempty"`
	Images     []string        `yaml:"images,omitempty"`

	// Error is sent as an error message instead of a response.
	Error string `yaml:"error,omitempty"`
	// FailTurn ends the turn with chat_response.error set.
	FailTurn string `yaml:"fail_turn,omitempty"`
	// Silent rules never answer.
	Silent bool `yaml:"silent,omitempty"`

	Activity   string `yaml:"activity,omitempty"`
	Title      string `yaml:"title,omitempty"`
	Diagnostic string `yaml:"diagnostic,omitempty"`
}

// ThinkingStep emits a reasoning block.
type ThinkingStep struct {
	Phase   string `yaml:"phase"`
	Subject string `yaml:"subject"`
}

// ToolStep emits a tool call lifecycle.
type ToolStep struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
	Fail   string         `yaml:"fail,omitempty"`
}

// PermissionStep pauses the turn until the client answers.
type PermissionStep struct {
	RequestID string `yaml:"request_id"`
	ToolName  string `yaml:"tool_name"`
	Title     string `yaml:"title"`
}

// MatchConfig defines how to match a prompt.
type MatchConfig struct {
	Contains    string   `yaml:"contains,omitempty"`
	ContainsAll []string `yaml:"contains_all,omitempty"`
	ContainsAny []string `yaml:"contains_any,omitempty"`
	Exact       string   `yaml:"exact,omitempty"`
	Regex       string   `yaml:"regex,omitempty"`
}

// DefaultScript returns a script covering the common turn shapes.
func DefaultScript() *Script {
	return &Script{
		Settings: Settings{
			Provider:     "gemini",
			Model:        "gemini-2.5-flash",
			Version:      "mock",
			Capabilities: map[string]bool{"can_list_sessions": true, "cost_tracking": true, "streaming": true},
			ChunkDelayMS: 2,
		},
		Defaults: Defaults{
			Fallback: "I understand your request. Let me help you with that.",
		},
		Rules: []Rule{
			{
				Name:     "hello",
				Match:    MatchConfig{Contains: "hello"},
				Response: "Hello! How can I help you today?",
				Priority: 1,
			},
			{
				Name:     "think",
				Match:    MatchConfig{ContainsAny: []string{"think", "plan"}},
				Thinking: &ThinkingStep{Phase: "analyzing", Subject: "the request"},
				Response: "Here is my plan.",
				CostUSD:  0.003,
				Priority: 5,
			},
			{
				Name:  "list-files",
				Match: MatchConfig{ContainsAll: []string{"list", "files"}},
				Tools: []ToolStep{
					{ID: "t1", Name: "bash", Params: map[string]any{"command": "ls"}},
				},
				Response: "There are three files.",
				Priority: 10,
			},
			{
				Name:       "delete",
				Match:      MatchConfig{Contains: "delete"},
				Permission: &PermissionStep{RequestID: "perm-1", ToolName: "bash", Title: "Run rm -rf build/"},
				Tools:      []ToolStep{{ID: "t2", Name: "bash", Params: map[string]any{"command": "rm -rf build/"}}},
				Response:   "Deleted.",
				Priority:   10,
			},
			{
				Name:     "rate-limit",
				Match:    MatchConfig{Contains: "rate limit"},
				Error:    "Rate limit exceeded",
				Priority: 10,
			},
			{
				Name:     "quota",
				Match:    MatchConfig{Contains: "quota"},
				FailTurn: "quota exhausted",
				Priority: 10,
			},
			{
				Name:     "silence",
				Match:    MatchConfig{Contains: "silence"},
				Silent:   true,
				Priority: 10,
			},
		},
	}
}

// LoadScript loads a script from a YAML file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return &script, nil
}

// LoadScriptFromDir looks for mock.yaml or mock.yml in dir.
func LoadScriptFromDir(dir string) (*Script, error) {
	path := filepath.Join(dir, "mock.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "mock.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadScript(path)
}

// SaveScript writes a script as YAML.
func SaveScript(script *Script, path string) error {
	data, err := yaml.Marshal(script)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	lower := strings.ToLower(prompt)

	switch {
	case m.Exact != "":
		return strings.EqualFold(strings.TrimSpace(prompt), m.Exact)
	case m.Contains != "":
		return strings.Contains(lower, strings.ToLower(m.Contains))
	case len(m.ContainsAll) > 0:
		for _, s := range m.ContainsAll {
			if !strings.Contains(lower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	case len(m.ContainsAny) > 0:
		for _, s := range m.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	case m.Regex != "":
		re, err := regexp.Compile(m.Regex)
		return err == nil && re.MatchString(prompt)
	}
	return false
}

// Find returns the highest priority rule matching prompt, or a rule that
// answers with the fallback text.
func (s *Script) Find(prompt string) Rule {
	var best *Rule
	for i := range s.Rules {
		rule := &s.Rules[i]
		if rule.Match.Matches(prompt) && (best == nil || rule.Priority > best.Priority) {
			best = rule
		}
	}
	if best != nil {
		return *best
	}
	return Rule{Name: "fallback", Response: s.Defaults.Fallback}
}
