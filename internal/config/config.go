package config

import (
	"os"
	"strconv"
)

// Config holds the runtime configuration for the lab server core.
type Config struct {
	// State
	StateDir      string // directory of per-user snapshot files
	ExercisesFile string // YAML exercise definition file

	// Grading
	DockerEnabled       bool
	DockerInitScript    string // provisioning script run once per user
	DockerInitContainer string // container the init script runs in
	MaxParallelGradings int
	GradingTimeout      int // seconds

	// Events
	AMQPURL string // empty disables event publishing

	Debug bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		StateDir:            getEnv("LABSERVER_STATE_DIR", "./state"),
		ExercisesFile:       getEnv("LABSERVER_EXERCISES_FILE", "./exercises.yaml"),
		DockerEnabled:       getEnvBool("LABSERVER_DOCKER_ENABLED", false),
		DockerInitScript:    getEnv("LABSERVER_DOCKER_INIT_SCRIPT", ""),
		DockerInitContainer: getEnv("LABSERVER_DOCKER_INIT_CONTAINER", ""),
		MaxParallelGradings: getEnvInt("LABSERVER_MAX_PARALLEL_GRADINGS", 100),
		GradingTimeout:      getEnvInt("LABSERVER_GRADING_TIMEOUT", 30),
		AMQPURL:             getEnv("LABSERVER_AMQP_URL", ""),
		Debug:               getEnvBool("LABSERVER_DEBUG", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
