package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-shardsim/internal/keys"
	"github.com/Klingon-tech/klingnet-shardsim/internal/storage"
)

func TestDefault_Valid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardsim.conf")
	content := `# comment
sim.validators = 8
sim.step = 0.25
keys.passphrase = "quoted value"
p2p.seeds = /ip4/127.0.0.1/tcp/1/p2p/a, /ip4/127.0.0.1/tcp/2/p2p/b
p2p.nodiscover = yes
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.Sim.Validators != 8 {
		t.Errorf("Sim.Validators = %d, want 8", cfg.Sim.Validators)
	}
	if cfg.Sim.StepSize != 0.25 {
		t.Errorf("Sim.StepSize = %v, want 0.25", cfg.Sim.StepSize)
	}
	if cfg.Keys.Passphrase != "quoted value" {
		t.Errorf("Keys.Passphrase = %q, want %q", cfg.Keys.Passphrase, "quoted value")
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("P2P.Seeds = %v, want 2 entries", cfg.P2P.Seeds)
	}
	if !cfg.P2P.NoDiscover {
		t.Error("P2P.NoDiscover should be true")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v, want empty", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	os.WriteFile(path, []byte("no equals sign\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for line without '='")
	}
}

func TestApplyFileConfig_BadNumber(t *testing.T) {
	err := ApplyFileConfig(Default(), map[string]string{"sim.steps": "many"})
	if err == nil || !strings.Contains(err.Error(), "sim.steps") {
		t.Fatalf("err = %v, want error naming sim.steps", err)
	}
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardsim.conf")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("written defaults should validate: %v", err)
	}
	if cfg.Sim.Steps != Default().Sim.Steps {
		t.Errorf("Sim.Steps = %d, want %d", cfg.Sim.Steps, Default().Sim.Steps)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"SHARDSIM_SIM__VALIDATORS", "sim.validators", true},
		{"SHARDSIM_DATADIR", "datadir", true},
		{"SHARDSIM_", "", false},
		{"HOME", "", false},
	}
	for _, tt := range tests {
		got, ok := envKey(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("envKey(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "SHARDSIM_VALIDATOR__MININGMEAN=2.5\nOTHER=1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if len(values) != 1 || values["validator.miningmean"] != "2.5" {
		t.Fatalf("values = %v", values)
	}

	values, err = LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil || len(values) != 0 {
		t.Fatalf("missing env file: values = %v, err = %v", values, err)
	}
}

func TestLoadEnviron(t *testing.T) {
	t.Setenv("SHARDSIM_SIM__SEED", "99")
	if got := LoadEnviron()["sim.seed"]; got != "99" {
		t.Errorf("sim.seed = %q, want 99", got)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags("shardsim", []string{"--validators=6", "--seed=0", "--log-json", "--storage=BADGER"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg := Default()
	cfg.Sim.Seed = 7
	ApplyFlags(cfg, f)

	if cfg.Sim.Validators != 6 {
		t.Errorf("Sim.Validators = %d, want 6", cfg.Sim.Validators)
	}
	if cfg.Sim.Seed != 0 {
		t.Errorf("explicit --seed=0 should override, got %d", cfg.Sim.Seed)
	}
	if !cfg.Log.JSON {
		t.Error("Log.JSON should be true")
	}
	if cfg.Storage.Backend != storage.BackendBadger {
		t.Errorf("Storage.Backend = %q, want badger", cfg.Storage.Backend)
	}
	if cfg.Sim.Latency != Default().Sim.Latency {
		t.Error("unset --latency should keep the default")
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := ParseFlags("shardsim", []string{"--no-such-flag"}); err == nil {
		t.Error("unknown flag should fail")
	}
	if _, err := ParseFlags("shardsim", []string{"extra", "--steps=1"}); err == nil {
		t.Error("flag after positional argument should fail")
	}
	f, err := ParseFlags("shardsim", []string{"-h"})
	if err != nil || !f.Help {
		t.Errorf("-h: help = %v, err = %v", f != nil && f.Help, err)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "shardsim.conf")
	os.WriteFile(confPath, []byte("sim.validators = 3\nsim.steps = 10\nsim.seed = 5\n"), 0644)
	envPath := filepath.Join(dir, "test.env")
	os.WriteFile(envPath, []byte("SHARDSIM_SIM__STEPS=20\nSHARDSIM_SIM__SEED=6\n"), 0644)
	t.Setenv("SHARDSIM_SIM__SEED", "8")

	cfg, _, err := Load("shardsim", []string{"--datadir", dir, "--env-file", envPath, "--validators=9"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sim.Validators != 9 {
		t.Errorf("flag should win: Validators = %d, want 9", cfg.Sim.Validators)
	}
	if cfg.Sim.Steps != 20 {
		t.Errorf("env file should beat conf file: Steps = %d, want 20", cfg.Sim.Steps)
	}
	if cfg.Sim.Seed != 8 {
		t.Errorf("environment should beat env file: Seed = %d, want 8", cfg.Sim.Seed)
	}
}

func TestLoad_Help(t *testing.T) {
	if _, _, err := Load("shardsim", []string{"--version"}); err != ErrHelp {
		t.Fatalf("err = %v, want ErrHelp", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no validators", func(c *Config) { c.Sim.Validators = 0 }},
		{"zero step", func(c *Config) { c.Sim.StepSize = 0 }},
		{"negative latency", func(c *Config) { c.Sim.Latency = -1 }},
		{"bad mnemonic", func(c *Config) { c.Keys.Mnemonic = "not a mnemonic" }},
		{"zero precision", func(c *Config) { c.Validator.TimePrecision = 0 }},
		{"zero mining mean", func(c *Config) { c.Validator.MiningMean = 0 }},
		{"probability above one", func(c *Config) { c.Validator.BlockSuccessProb = 1.5 }},
		{"negative probability", func(c *Config) { c.Validator.CollationSuccessProb = -0.1 }},
		{"bad port", func(c *Config) { c.P2P.Port = 70000 }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "leveldb" }},
		{"metrics interval", func(c *Config) { c.Metrics.URL = "http://x"; c.Metrics.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_EmptyBackendDefaults(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Storage.Backend != storage.BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestValidatorParams(t *testing.T) {
	ks, err := keys.ValidatorKeys(DevMnemonic, "", 1)
	if err != nil {
		t.Fatalf("ValidatorKeys: %v", err)
	}
	cfg := Default()
	cfg.Validator.MiningMean = 3
	p := cfg.ValidatorParams(2, ks[0])
	if p.ID != 2 || p.Key != ks[0] || p.MiningMean != 3 {
		t.Errorf("ValidatorParams = %+v", p)
	}
	if p.Lookahead != 14 {
		t.Errorf("Lookahead = %d, want 14", p.Lookahead)
	}
}

func TestDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.NetworkID = "net"
	if got := cfg.ChainDir(3); got != filepath.Join("/data", "net", "v3", "chain") {
		t.Errorf("ChainDir = %q", got)
	}
	if got := cfg.ConfigFile(); got != filepath.Join("/data", "shardsim.conf") {
		t.Errorf("ConfigFile = %q", got)
	}
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "d")
	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("config file not written: %v", err)
	}
	if _, err := os.Stat(cfg.P2PDir()); err != nil {
		t.Errorf("p2p dir not created: %v", err)
	}
}
