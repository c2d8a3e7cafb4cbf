package env

import (
	"os"

	"github.com/joho/godotenv"
)

// SetupEnvFile loads the first .env file found into the process environment.
// Variables that are already set win over file values. A missing file is not
// an error: containers usually inject the environment directly.
func SetupEnvFile() string {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/localmarket to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			return envFile
		}
	}
	return ""
}

func GetEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
