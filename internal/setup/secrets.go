package setup

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const apiKeyEnv = "OPENAI_API_KEY"

// LoadSecrets seeds the process environment from envFile when it exists and
// returns the completion API key. The key travels to the guest only via the
// boot command line, never through config files or the shared disk.
func LoadSecrets(envFile string) (string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("load env file %s: %w", envFile, err)
			}
			logger.Debug("env file not present", "path", envFile)
		}
	}

	key := strings.TrimSpace(os.Getenv(apiKeyEnv))
	if key == "" {
		return "", fmt.Errorf("%s is not set; export it or add it to %s", apiKeyEnv, envFile)
	}
	return key, nil
}
