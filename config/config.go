package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         int
	DBPath       string
	StorageDir   string
	AdminAddr    string // empty disables the admin HTTP listener
	ReadTimeout  int    // seconds
	WriteTimeout int    // seconds
}

func Load() *Config {
	cfg := &Config{
		Port:         3217,
		DBPath:       "wizzd.db",
		StorageDir:   "storage",
		AdminAddr:    "",
		ReadTimeout:  120,
		WriteTimeout: 30,
	}

	if portStr := os.Getenv("WIZZD_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("WIZZD_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if dir := os.Getenv("WIZZD_STORAGE_DIR"); dir != "" {
		cfg.StorageDir = dir
	}

	if addr := os.Getenv("WIZZD_ADMIN_ADDR"); addr != "" {
		cfg.AdminAddr = addr
	}

	if timeoutStr := os.Getenv("WIZZD_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("WIZZD_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	return cfg
}
