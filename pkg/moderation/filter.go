package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBlocked is wrapped by every rejection
var ErrBlocked = errors.New("prompt blocked")

var (
	// A bare 64-hex secret, the shape of a TRON private key. Tx ids have the
	// same shape, so this only applies when PrivateKeys is set.
	hexKeyPattern = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`)

	// BIP-39 phrases are 12 to 24 lowercase words
	mnemonicPattern = regexp.MustCompile(`\b(?:[a-z]{3,8}\s+){11,23}[a-z]{3,8}\b`)

	keyContext = regexp.MustCompile(`(?i)private|secret|priv[_ ]?key|seed|mnemonic|recovery`)
)

// Config configures a ContentFilter
type Config struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords,omitempty" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty" mapstructure:"blocked_patterns"`
	// SecretGuard refuses prompts that look like they carry a private key or seed phrase
	SecretGuard bool `json:"secret_guard" mapstructure:"secret_guard"`
}

// ContentFilter checks prompts before they are sent to an AI provider
type ContentFilter struct {
	enabled     bool
	keywords    []string
	patterns    []*regexp.Regexp
	secretGuard bool
}

// New creates a new content filter.
func New(cfg Config) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &ContentFilter{
		enabled:     cfg.Enabled,
		keywords:    cfg.BlockedKeywords,
		patterns:    patterns,
		secretGuard: cfg.SecretGuard,
	}, nil
}

// CheckPrompt returns an error wrapping ErrBlocked if the prompt contains blocked content.
func (f *ContentFilter) CheckPrompt(prompt string) error {
	if f == nil || !f.enabled {
		return nil
	}

	if f.secretGuard {
		if err := checkSecrets(prompt); err != nil {
			return err
		}
	}

	normalized := strings.ToLower(prompt)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return fmt.Errorf("%w: contains blocked keyword %q", ErrBlocked, kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(prompt) {
			return fmt.Errorf("%w: matches blocked pattern #%d", ErrBlocked, i+1)
		}
	}
	return nil
}

// checkSecrets flags a 64-hex value or a long lowercase word run when the
// prompt also talks about keys or seeds. A lone tx hash passes.
func checkSecrets(prompt string) error {
	if !keyContext.MatchString(prompt) {
		return nil
	}
	if hexKeyPattern.MatchString(prompt) {
		return fmt.Errorf("%w: looks like it contains a private key; never share it", ErrBlocked)
	}
	if mnemonicPattern.MatchString(prompt) {
		return fmt.Errorf("%w: looks like it contains a seed phrase; never share it", ErrBlocked)
	}
	return nil
}
