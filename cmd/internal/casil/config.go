package casil

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Modes and default decisions.
const (
	ModeMonitor = "monitor"
	ModeEnforce = "enforce"

	DefaultAllow = "allow"
	DefaultBlock = "block"
)

// Config is the CASIL policy document, loaded once at startup from YAML.
// It is immutable after Compile; live reload requires a process restart.
type Config struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	DefaultDecision string `yaml:"default_decision"`

	Scope struct {
		Include []string `yaml:"include"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"scope"`

	Limits struct {
		MaxInspectBytes int `yaml:"max_inspect_bytes"`
		MaxPatterns     int `yaml:"max_patterns"`
	} `yaml:"limits"`

	Policies struct {
		MaxPayloadBytes       int  `yaml:"max_payload_bytes"`
		BlockOnProbableSecret bool `yaml:"block_on_probable_secret"`

		Redaction struct {
			Paths              []string `yaml:"paths"`
			Patterns           []string `yaml:"patterns"`
			TransportRedaction bool     `yaml:"transport_redaction"`
			NeverLogPayloadFor []string `yaml:"never_log_payload_for"`
		} `yaml:"redaction"`
	} `yaml:"policies"`

	Metadata struct {
		ToLogs      bool `yaml:"to_logs"`
		ToTelemetry bool `yaml:"to_telemetry"`
		ToEnvelope  bool `yaml:"to_envelope"`
	} `yaml:"metadata"`
}

// DefaultConfig is the shipped baseline: disabled, but with sane limits so
// enabling it via scope alone behaves predictably.
func DefaultConfig() Config {
	var c Config
	c.Enabled = false
	c.Mode = ModeMonitor
	c.DefaultDecision = DefaultAllow
	c.Limits.MaxInspectBytes = 64 << 10 // 64 KiB
	c.Limits.MaxPatterns = 32
	c.Policies.MaxPayloadBytes = 256 << 10 // 256 KiB
	c.Metadata.ToLogs = true
	c.Metadata.ToTelemetry = true
	return c
}

// ParseConfig decodes the YAML policy document over the defaults.
func ParseConfig(raw []byte) (Config, error) {
	c := DefaultConfig()
	if len(raw) == 0 {
		return c, nil
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("casil: parse policy: %w", err)
	}
	return c, nil
}

// builtinSecretPatterns are the always-on probable-secret detectors. They
// count against the max_patterns budget together with the configured
// redaction patterns. Go's RE2 engine guarantees linear-time evaluation.
var builtinSecretPatterns = []string{
	`sk-[A-Za-z0-9]{16,}`,                              // provider API keys
	`AKIA[0-9A-Z]{16}`,                                 // AWS access key ids
	`(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,              // bearer tokens
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,               // PEM private keys
	`(?i)"?(password|passwd|secret)"?\s*[:=]\s*"[^"]+`, // inline credentials
	`gh[pousr]_[A-Za-z0-9]{36,}`,                       // GitHub tokens
	`xox[baprs]-[A-Za-z0-9\-]{10,}`,                    // Slack tokens
}

// Engine holds the compiled, immutable form of a Config.
type compiledConfig struct {
	cfg Config

	scope           scopeMatcher
	secretPatterns  []*regexp.Regexp
	redactPatterns  []*regexp.Regexp
	redactPaths     []fieldPath
	neverLogPayload scopeMatcher
	enforce         bool
	defaultBlock    bool
}

// Compile validates the config and precompiles every pattern. Pattern and
// scope errors are configuration errors and fail startup, never the hot
// path.
func (c Config) compile() (*compiledConfig, error) {
	switch c.Mode {
	case ModeMonitor, ModeEnforce:
	default:
		return nil, fmt.Errorf("casil: unknown mode %q", c.Mode)
	}
	switch c.DefaultDecision {
	case DefaultAllow, DefaultBlock:
	default:
		return nil, fmt.Errorf("casil: unknown default_decision %q", c.DefaultDecision)
	}
	if c.Limits.MaxInspectBytes <= 0 {
		return nil, fmt.Errorf("casil: max_inspect_bytes must be positive")
	}
	if c.Limits.MaxPatterns <= 0 {
		return nil, fmt.Errorf("casil: max_patterns must be positive")
	}

	cc := &compiledConfig{
		cfg:          c,
		enforce:      c.Mode == ModeEnforce,
		defaultBlock: c.DefaultDecision == DefaultBlock,
	}

	var err error
	cc.scope, err = compileScope(c.Scope.Include, c.Scope.Exclude)
	if err != nil {
		return nil, err
	}
	cc.neverLogPayload, err = compileKeyList(c.Policies.Redaction.NeverLogPayloadFor)
	if err != nil {
		return nil, err
	}

	budget := c.Limits.MaxPatterns
	if total := len(builtinSecretPatterns) + len(c.Policies.Redaction.Patterns); total > budget {
		return nil, fmt.Errorf("casil: %d patterns exceed max_patterns=%d", total, budget)
	}

	for _, p := range builtinSecretPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("casil: builtin pattern %q: %w", p, err)
		}
		cc.secretPatterns = append(cc.secretPatterns, re)
	}
	for _, p := range c.Policies.Redaction.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("casil: redaction pattern %q: %w", p, err)
		}
		cc.redactPatterns = append(cc.redactPatterns, re)
	}
	for _, p := range c.Policies.Redaction.Paths {
		fp, err := parseFieldPath(p)
		if err != nil {
			return nil, err
		}
		cc.redactPaths = append(cc.redactPaths, fp)
	}

	return cc, nil
}
