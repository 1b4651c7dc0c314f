package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix marks environment variables that override config keys.
// SHARDSIM_SIM__VALIDATORS sets sim.validators; SHARDSIM_DATADIR sets datadir.
const EnvPrefix = "SHARDSIM_"

// LoadEnvFile reads config overrides from a dotenv file. Variables without
// EnvPrefix are ignored. A missing file yields no values.
func LoadEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return envValues(env), nil
}

// LoadEnviron collects config overrides from the process environment.
func LoadEnviron() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return envValues(env)
}

func envValues(env map[string]string) map[string]string {
	values := make(map[string]string)
	for k, v := range env {
		if key, ok := envKey(k); ok {
			values[key] = v
		}
	}
	return values
}

// envKey maps SHARDSIM_SECTION__KEY to section.key.
func envKey(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, EnvPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(rest, "__", ".")), true
}
