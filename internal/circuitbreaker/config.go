package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the env-tunable part of a breaker Config.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// FromEnv overlays CB_<PREFIX>_* environment variables on def.
func FromEnv(prefix string, def Settings) Settings {
	p := "CB_" + strings.ToUpper(prefix) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(p+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(p+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(p+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(p+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(p+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// GetRedisConfig returns the Redis breaker settings.
func GetRedisConfig() Settings {
	return FromEnv("redis", Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetDatabaseConfig returns the database breaker settings.
func GetDatabaseConfig() Settings {
	return FromEnv("db", Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// GetHTTPConfig returns the breaker settings for outbound HTTP collaborators.
func GetHTTPConfig() Settings {
	return FromEnv("http", Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// ToConfig converts Settings to a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
