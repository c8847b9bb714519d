package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the service reads from the environment.
type Config struct {
	Server  ServerConfig
	Session SessionConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Session: session}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		// Accept ":3000" or "127.0.0.1:3000" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// SessionConfig describes the pairing-session lifecycle settings.
type SessionConfig struct {
	// AuthRoot is the directory under which each session gets its own
	// credential directory, named by session id.
	AuthRoot string
	// IdleTimeout force-terminates a session after this much inactivity.
	IdleTimeout time.Duration
	// QRTerminal additionally prints issued QR codes to stdout.
	QRTerminal bool
	// PairClientName is the companion-device name shown in the phone's
	// linked-devices list for pairing-code logins.
	PairClientName string
}

func loadSessionConfig() (SessionConfig, error) {
	idleMillis := 300000
	if override, err := parseOptionalIntEnv("IDLE_TIMEOUT_MS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return SessionConfig{}, fmt.Errorf("IDLE_TIMEOUT_MS must be positive, got %d", *override)
		}
		idleMillis = *override
	}

	qrTerminal, err := parseBoolEnv("QR_TERMINAL", false)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		AuthRoot:       getEnvOrDefault("AUTH_ROOT", "auth_sessions"),
		IdleTimeout:    time.Duration(idleMillis) * time.Millisecond,
		QRTerminal:     qrTerminal,
		PairClientName: getEnvOrDefault("PAIR_CLIENT_NAME", "Chrome (Linux)"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
