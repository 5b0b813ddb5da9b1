package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", envPrefix+name),
			zap.String("value", raw),
			zap.Int("fallback", fallback),
		)
		return fallback
	}
	return value
}

func floatEnv(logger *zap.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", envPrefix+name),
			zap.String("value", raw),
			zap.Float64("fallback", fallback),
		)
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", envPrefix+name),
			zap.String("value", raw),
			zap.Duration("fallback", fallback),
		)
		return fallback
	}
	return value
}
