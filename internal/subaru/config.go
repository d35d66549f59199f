package subaru

import (
	"bufio"
	"os"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// LoadConfig reads /etc/subaru.conf and applies defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge SUBARU_* env overrides
	MergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// MergeEnvOverrides merges SUBARU_* environment variables into cfg.
func MergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SUBARU_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// InitConfig populates package globals from the loaded configuration.
func InitConfig(cfg *Config) {
	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	logDir = cfg.Values["SUBARU_LOG_DIR"]
	if logDir == "" {
		logDir = "/var/log/subaru"
	}

	if cfg.Values["SUBARU_DEBUG"] == "1" {
		Debug = true
	}
	if cfg.Values["SUBARU_VERBOSE"] == "1" {
		Verbose = true
	}
}
