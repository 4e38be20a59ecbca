package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// DatabaseURL returns the database integration tests should use, loading
// TEST_DATABASE_URL from the nearest .env.test when the environment does
// not already provide one. Tests are skipped when none is configured.
func DatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	if envPath := findEnvTestFile(); envPath != "" {
		envMap, err := godotenv.Read(envPath)
		if err != nil {
			t.Logf("Warning: failed to read %s: %v", envPath, err)
		} else if url := envMap["TEST_DATABASE_URL"]; url != "" {
			return url
		}
	}

	t.Skip("TEST_DATABASE_URL not configured")
	return ""
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
