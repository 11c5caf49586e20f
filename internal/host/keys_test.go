// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLoader_ConfiguredWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env-000000")
	keys := NewKeyLoader(map[string]string{"OpenAI": "sk-from-config-111"}, zerolog.Nop())

	key, err := keys.Load(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-config-111", key)
}

func TestKeyLoader_Environment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env-000000")
	keys := NewKeyLoader(nil, zerolog.Nop(), filepath.Join(t.TempDir(), "none.env"))

	key, err := keys.Load("OPENAI")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env-000000", key)
}

func TestKeyLoader_DotEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	os.Unsetenv("ANTHROPIC_API_KEY")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ANTHROPIC_API_KEY=sk-ant-dotenv-999\n"), 0600))

	keys := NewKeyLoader(nil, zerolog.Nop(), envFile)
	key, err := keys.Load(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-dotenv-999", key)
}

func TestKeyLoader_Missing(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "")
	_, err := NewKeyLoader(nil, zerolog.Nop(), filepath.Join(t.TempDir(), "none.env")).Load("mistral")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAPIKey))
	assert.Contains(t, err.Error(), "MISTRAL_API_KEY")
}

func TestKeyEnvVar(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", KeyEnvVar("Anthropic"))
	assert.Equal(t, "OPENAI_API_KEY", KeyEnvVar("openai"))
	assert.Equal(t, "MISTRAL_API_KEY", KeyEnvVar("mistral"))
}
