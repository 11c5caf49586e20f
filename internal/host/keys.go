// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

// keyEnvVars maps provider names onto the environment variable holding the
// API key.
var keyEnvVars = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// KeyEnvVar returns the environment variable for a provider's API key.
// Providers without a well-known variable use "<PROVIDER>_API_KEY".
func KeyEnvVar(provider string) string {
	provider = strings.ToLower(provider)
	if name, ok := keyEnvVars[provider]; ok {
		return name
	}
	return strings.ToUpper(provider) + "_API_KEY"
}

// KeyLoader resolves provider API keys.
//
// Keys set in configuration win. Otherwise the environment is consulted,
// after loading .env files once (existing variables are not overridden).
type KeyLoader struct {
	configured map[string]string
	envFiles   []string
	log        zerolog.Logger

	dotenvOnce sync.Once
}

// NewKeyLoader creates a loader. With no envFiles, ".env" in the working
// directory is tried.
func NewKeyLoader(configured map[string]string, logger zerolog.Logger, envFiles ...string) *KeyLoader {
	keys := make(map[string]string, len(configured))
	for name, key := range configured {
		if key != "" {
			keys[strings.ToLower(name)] = key
		}
	}
	return &KeyLoader{
		configured: keys,
		envFiles:   envFiles,
		log:        logger,
	}
}

// Load returns the API key for provider.
func (k *KeyLoader) Load(provider string) (string, error) {
	provider = strings.ToLower(provider)
	envVar := KeyEnvVar(provider)

	if key, ok := k.configured[provider]; ok {
		k.log.Debug().Str("provider", provider).Str("key", util.Redact(key)).Msg("API key loaded from config")
		return key, nil
	}

	k.dotenvOnce.Do(func() {
		// A missing .env is normal.
		if err := godotenv.Load(k.envFiles...); err != nil {
			k.log.Debug().Err(err).Msg("No .env file loaded")
		}
	})

	k.log.Debug().Msgf("Loading %s from environment/dotenv", envVar)
	key := os.Getenv(envVar)
	if key == "" {
		msg := fmt.Sprintf("Failed to load %s: environment variable not found", envVar)
		k.log.Error().Msg(msg)
		return "", &ProxyError{Kind: KindAPIKey, Message: msg}
	}

	k.log.Debug().Str("key", util.Redact(key)).Msgf("%s loaded", envVar)
	return key, nil
}
