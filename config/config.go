package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything a single invocation or the job server needs.
type Config struct {
	Engine   EngineConfig
	Tools    ToolsConfig
	Recovery RecoveryConfig
	Server   ServerConfig
	Redis    RedisConfig
	LogLevel string
	LogFile  string
}

// EngineConfig locates the generation engine and its checkpoints.
type EngineConfig struct {
	RepoCandidates []string
	ModelsDir      string
	Python         string
}

// ToolsConfig names the external command-line tools.
type ToolsConfig struct {
	FFmpeg         string
	FFprobe        string
	NvidiaSMI      string
	HuggingFaceCLI string
}

type RecoveryConfig struct {
	Extension string
	Window    time.Duration
}

type ServerConfig struct {
	Port      int
	JWTSecret string
	JWTIssuer string
}

type RedisConfig struct {
	URL     string
	Channel string
}

// DefaultRepoCandidates are searched in order for the engine repository.
var DefaultRepoCandidates = []string{
	"/app/Wan2.1",
	"Wan2.1",
	filepath.Join("..", "Wan2.1"),
	filepath.Join("..", "..", "Wan2.1"),
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Engine: EngineConfig{
			RepoCandidates: getEnvAsList("WANRUNNER_REPO_PATHS", DefaultRepoCandidates),
			ModelsDir:      getEnv("WANRUNNER_MODELS_DIR", "/app/models"),
			Python:         getEnv("WANRUNNER_PYTHON", "python3"),
		},
		Tools: ToolsConfig{
			FFmpeg:         getEnv("WANRUNNER_FFMPEG", "ffmpeg"),
			FFprobe:        getEnv("WANRUNNER_FFPROBE", "ffprobe"),
			NvidiaSMI:      getEnv("WANRUNNER_NVIDIA_SMI", "nvidia-smi"),
			HuggingFaceCLI: getEnv("WANRUNNER_HF_CLI", "huggingface-cli"),
		},
		Recovery: RecoveryConfig{
			Extension: getEnv("WANRUNNER_RECOVERY_EXT", ".mp4"),
			Window:    getEnvAsDuration("WANRUNNER_RECOVERY_WINDOW", 300*time.Second),
		},
		Server: ServerConfig{
			Port:      getEnvAsInt("WANRUNNER_PORT", 8080),
			JWTSecret: os.Getenv("WANRUNNER_JWT_SECRET"),
			JWTIssuer: os.Getenv("WANRUNNER_JWT_ISSUER"),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Channel: getEnv("WANRUNNER_REDIS_CHANNEL", "wanrunner:jobs"),
		},
		LogLevel: getEnv("WANRUNNER_LOG_LEVEL", "info"),
		LogFile:  os.Getenv("WANRUNNER_LOG_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Engine.RepoCandidates) == 0 {
		return fmt.Errorf("WANRUNNER_REPO_PATHS must name at least one directory")
	}
	if c.Recovery.Window <= 0 {
		return fmt.Errorf("WANRUNNER_RECOVERY_WINDOW must be positive, got %s", c.Recovery.Window)
	}
	if !strings.HasPrefix(c.Recovery.Extension, ".") {
		return fmt.Errorf("WANRUNNER_RECOVERY_EXT must start with a dot, got %q", c.Recovery.Extension)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("WANRUNNER_PORT out of range: %d", c.Server.Port)
	}
	return nil
}

// RequireJWTSecret is checked by the server only; CLI runs do not need it.
func (c *Config) RequireJWTSecret() error {
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("WANRUNNER_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5m") or plain seconds ("300").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvAsList splits a path-list style variable on os.PathListSeparator.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, p := range filepath.SplitList(value) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
