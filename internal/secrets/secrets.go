// Package secrets resolves channel tokens either from a flat .env-style
// file or, preferably, the OS keyring, so a channel token never has to
// sit in the YAML config file in plaintext.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "clawbridge"

// Get resolves a secret by name, preferring the OS keyring and falling
// back to the .env file at envPath.
func Get(envPath, name string) (string, error) {
	if v, err := keyring.Get(keyringService, name); err == nil {
		return v, nil
	}
	env, err := readEnvFile(envPath)
	if err != nil {
		return "", err
	}
	return env[name], nil
}

// Set stores a secret in the OS keyring, falling back to writing it into
// the .env file when no keyring backend is available (e.g. headless CI).
func Set(envPath, name, value string) error {
	if err := keyring.Set(keyringService, name, value); err == nil {
		return nil
	}
	return writeEnvFile(envPath, name, value)
}

func readEnvFile(path string) (map[string]string, error) {
	out := map[string]string{}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open env file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out, scanner.Err()
}

func writeEnvFile(path, name, value string) error {
	env, err := readEnvFile(path)
	if err != nil {
		return err
	}
	env[name] = value

	var b strings.Builder
	for k, v := range env {
		fmt.Fprintf(&b, "%s=%q\n", k, v)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file %s: %w", path, err)
	}
	return nil
}
