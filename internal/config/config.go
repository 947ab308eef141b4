/*
 * This file is part of Kasa (https://github.com/kasalabs/kasa).
 * Copyright (C) 2026 Kasa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Kasa hub
type Config struct {
	Server    ServerConfig
	ASR       ASRConfig
	Streaming StreamingConfig
	Intent    IntentConfig
	Database  DatabaseConfig
	NATS      NATSConfig
	Logging   LoggingConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ASRConfig holds batch speech recognizer configuration
type ASRConfig struct {
	URL      string // REST API URL of the recognizer service
	Language string // Default language hint: en, twi, ga, or auto
	Timeout  time.Duration
}

// StreamingConfig holds streaming recognizer configuration
type StreamingConfig struct {
	URL                  string // WebSocket endpoint of the streaming recognizer
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

// IntentConfig holds intent classification configuration
type IntentConfig struct {
	APIKey  string // API key for the OpenAI-compatible model; empty disables the remote stage
	BaseURL string // Optional OpenAI-compatible gateway URL
	Model   string
	Timeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL           string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("KASA_HOST", "0.0.0.0"),
			Port:         getEnvInt("KASA_PORT", 8080),
			ReadTimeout:  getEnvDuration("KASA_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("KASA_WRITE_TIMEOUT", 30*time.Second),
		},
		ASR: ASRConfig{
			URL:      getEnvString("ASR_URL", "http://asr:8000"),
			Language: getEnvString("ASR_LANGUAGE", "auto"),
			Timeout:  getEnvDuration("ASR_TIMEOUT", 30*time.Second),
		},
		Streaming: StreamingConfig{
			URL:                  getEnvString("ASR_STREAM_URL", "ws://asr:8000/stream"),
			ConnectTimeout:       getEnvDuration("ASR_STREAM_CONNECT_TIMEOUT", 10*time.Second),
			MaxReconnectAttempts: getEnvInt("ASR_STREAM_MAX_RECONNECTS", 3),
			ReconnectBackoff:     getEnvDuration("ASR_STREAM_RECONNECT_BACKOFF", time.Second),
		},
		Intent: IntentConfig{
			APIKey:  getEnvString("INTENT_API_KEY", ""),
			BaseURL: getEnvString("INTENT_BASE_URL", ""),
			Model:   getEnvString("INTENT_MODEL", "llama-3.3-70b-versatile"),
			Timeout: getEnvDuration("INTENT_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Path: getEnvString("DB_PATH", "./data/kasa-hub.db"),
		},
		NATS: NATSConfig{
			URL:           getEnvString("NATS_URL", "nats://localhost:4222"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.ASR.URL == "" {
		return fmt.Errorf("ASR URL must be provided")
	}

	if c.Streaming.URL == "" {
		return fmt.Errorf("streaming URL must be provided")
	}

	switch c.ASR.Language {
	case "en", "twi", "ga", "auto":
	default:
		return fmt.Errorf("invalid ASR language: %q", c.ASR.Language)
	}

	if c.Streaming.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("streaming max reconnects must be positive: %d", c.Streaming.MaxReconnectAttempts)
	}

	if c.Intent.APIKey != "" && c.Intent.Model == "" {
		return fmt.Errorf("intent model must be provided when an API key is set")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
