package compute

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// mergeEnvFile layers explicit env vars over the contents of an env file.
// Explicitly supplied keys always win over file keys.
func mergeEnvFile(env map[string]string, envFile string) (map[string]string, error) {
	if envFile == "" {
		return env, nil
	}

	data, err := os.ReadFile(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
	}
	fileEnv, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", envFile, err)
	}

	merged := make(map[string]string, len(fileEnv)+len(env))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged, nil
}
