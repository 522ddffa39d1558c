// Package config loads the behavioral configuration spec.md §6
// recognizes. Actual INI file parsing is an external collaborator per
// spec.md §1's Non-goals; this package is the populated-struct contract
// such a parser (or, as here, an env-var loader in the teacher's own
// idiom — pkg/config/config.go's godotenv.Load + getEnv helpers) feeds.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jobfabric/jobfabric/internal/apierr"
)

// ReservedTargetName is rejected wherever a target name is accepted.
const ReservedTargetName = "null"

// Common holds the fields shared by both daemons (spec.md §6 "Common").
type Common struct {
	Host                  string
	Port                  int
	Password              string
	AlwaysAllowLocalhost  bool
	RequestTimeout        time.Duration
}

// RedisConfig configures the optional statuscache export.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig configures the optional eventlog export.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Worker holds every Worker-recognized key from spec.md §6.
type Worker struct {
	Common

	MasterHost             string
	MasterPort             int
	MasterReconnectTimeout time.Duration

	MySQLDSN        string
	MySQLFetchLimit int

	Launcher        string
	LauncherCWD     string
	LauncherEnv     map[string]string
	MaxOutputBuffer int

	// Targets maps target name -> concurrency, populated from the
	// [targets] INI section (or, here, the TARGETS env var, a
	// comma-separated list of name:concurrency pairs).
	Targets map[string]int

	Redis RedisConfig
	Kafka KafkaConfig
}

// Master holds every Master-recognized key from spec.md §6.
type Master struct {
	Common

	PingInterval         time.Duration
	PokeThrottleInterval time.Duration
}

// LoadWorker populates a Worker config from the environment (loading
// .env first, if present, exactly as the teacher's config.Load does).
func LoadWorker() (*Worker, error) {
	_ = godotenv.Load()

	targets, err := parseTargets(getEnv("TARGETS", ""))
	if err != nil {
		return nil, err
	}

	w := &Worker{
		Common: Common{
			Host:                 getEnv("HOST", "0.0.0.0"),
			Port:                 getEnvAsInt("PORT", 7080),
			Password:             getEnv("PASSWORD", ""),
			AlwaysAllowLocalhost: getEnvAsBool("ALWAYS_ALLOW_LOCALHOST", false),
			RequestTimeout:       getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		MasterHost:             getEnv("MASTER_HOST", "127.0.0.1"),
		MasterPort:             getEnvAsInt("MASTER_PORT", 7081),
		MasterReconnectTimeout: getEnvAsDuration("MASTER_RECONNECT_TIMEOUT", 5*time.Second),
		MySQLDSN:               getEnv("MYSQL_DSN", ""),
		MySQLFetchLimit:        getEnvAsInt("MYSQL_FETCH_LIMIT", 100),
		Launcher:               getEnv("LAUNCHER", ""),
		LauncherCWD:            getEnv("LAUNCHER_CWD", ""),
		LauncherEnv:            parseEnvMap(getEnv("LAUNCHER_ENV", "")),
		MaxOutputBuffer:        getEnvAsInt("MAX_OUTPUT_BUFFER", 1<<20),
		Targets:                targets,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "jobfabric.job-done"),
		},
	}
	return w, nil
}

// LoadMaster populates a Master config from the environment.
func LoadMaster() (*Master, error) {
	_ = godotenv.Load()

	m := &Master{
		Common: Common{
			Host:                 getEnv("HOST", "0.0.0.0"),
			Port:                 getEnvAsInt("PORT", 7081),
			Password:             getEnv("PASSWORD", ""),
			AlwaysAllowLocalhost: getEnvAsBool("ALWAYS_ALLOW_LOCALHOST", false),
			RequestTimeout:       getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		PingInterval:         getEnvAsDuration("PING_INTERVAL", 30*time.Second),
		PokeThrottleInterval: getEnvAsDuration("POKE_THROTTLE_INTERVAL", 1*time.Second),
	}
	return m, nil
}

// parseTargets parses a "name:concurrency,name:concurrency" list, the
// env-var stand-in for the INI [targets] section.
func parseTargets(raw string) (map[string]int, error) {
	targets := make(map[string]int)
	if raw == "" {
		return targets, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == ReservedTargetName {
			return nil, apierr.NewReservedTargetError(name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n <= 0 {
			continue
		}
		targets[name] = n
	}
	return targets, nil
}

func parseEnvMap(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return defaultValue
}
