package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleKey  = "8f2a559490b3b2f8e1b8f4ac1f6b0f0c0b5c2b4e8e7c2d1e0f9a8b7c6d5e4f3a"
	sampleTxID = "3c1b3e2f4f0a9d8e7c6b5a4f3e2d1c0b9a8f7e6d5c4b3a2f1e0d9c8b7a6f5e4d"
)

func TestContentFilter_CheckPrompt(t *testing.T) {
	t.Run("should allow everything when disabled", func(t *testing.T) {
		f, err := New(Config{Enabled: false, BlockedKeywords: []string{"drain"}, SecretGuard: true})
		require.NoError(t, err)
		assert.NoError(t, f.CheckPrompt("drain it, private key "+sampleKey))
	})

	t.Run("should block keywords case-insensitively", func(t *testing.T) {
		f, err := New(Config{Enabled: true, BlockedKeywords: []string{"Drain Wallet"}})
		require.NoError(t, err)

		err = f.CheckPrompt("please drain wallet TXYZ")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBlocked)
		assert.NoError(t, f.CheckPrompt("what is my balance?"))
	})

	t.Run("should block patterns", func(t *testing.T) {
		f, err := New(Config{Enabled: true, BlockedPatterns: []string{`(?i)approve\s+unlimited`}})
		require.NoError(t, err)
		assert.ErrorIs(t, f.CheckPrompt("Approve unlimited USDT spending"), ErrBlocked)
	})

	t.Run("should reject invalid patterns", func(t *testing.T) {
		_, err := New(Config{Enabled: true, BlockedPatterns: []string{"("}})
		assert.Error(t, err)
	})

	t.Run("should tolerate a nil filter", func(t *testing.T) {
		var f *ContentFilter
		assert.NoError(t, f.CheckPrompt("anything"))
	})
}

func TestContentFilter_SecretGuard(t *testing.T) {
	f, err := New(Config{Enabled: true, SecretGuard: true})
	require.NoError(t, err)

	tests := []struct {
		name    string
		prompt  string
		blocked bool
	}{
		{"labelled private key", "my private key is " + sampleKey + ", what is my balance?", true},
		{"prefixed private key", "import this secret: 0x" + sampleKey, true},
		{"seed phrase", "here is my seed: " + strings.Repeat("apple banana ", 6), true},
		{"transaction id", "what happened in tx " + sampleTxID + "?", false},
		{"key without context", "decode " + sampleKey, false},
		{"talking about keys", "how do I keep my private key safe?", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.CheckPrompt(tt.prompt)
			if tt.blocked {
				assert.ErrorIs(t, err, ErrBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
