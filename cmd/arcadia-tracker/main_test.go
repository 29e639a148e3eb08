package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/arcadia/arcadia-tracker/internal/config"
)

func parse(t *testing.T, args ...string) config.Config {
	t.Helper()
	v := config.New()
	fs := pflag.NewFlagSet("arcadia-tracker", pflag.ContinueOnError)
	addFlags(fs)
	if err := bindFlags(v, fs); err != nil {
		t.Fatalf("bindFlags: %v", err)
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := config.Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := parse(t)
		if cfg.Listen != ":8080" || cfg.Log.Level != "info" || cfg.HTTP.TrustProxy {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("env var", func(t *testing.T) {
		t.Setenv("ARCADIA_TRACKER_LISTEN", ":9000")
		if cfg := parse(t); cfg.Listen != ":9000" {
			t.Errorf("listen = %q, want :9000", cfg.Listen)
		}
	})

	t.Run("flag overrides env var", func(t *testing.T) {
		t.Setenv("ARCADIA_TRACKER_LISTEN", ":9000")
		if cfg := parse(t, "-l", ":9001"); cfg.Listen != ":9001" {
			t.Errorf("listen = %q, want :9001", cfg.Listen)
		}
	})

	t.Run("nested keys", func(t *testing.T) {
		cfg := parse(t, "--clientlist", "/tmp/clients", "--trust-proxy", "--log-level", "debug", "--api-key", "k")
		if cfg.ClientList.Path != "/tmp/clients" || !cfg.HTTP.TrustProxy || cfg.Log.Level != "debug" || cfg.APIKey != "k" {
			t.Errorf("cfg = %+v", cfg)
		}
	})
}

func TestFlagKeysRegistered(t *testing.T) {
	fs := pflag.NewFlagSet("arcadia-tracker", pflag.ContinueOnError)
	addFlags(fs)
	for name := range flagKeys {
		if fs.Lookup(name) == nil {
			t.Errorf("flag %q not defined", name)
		}
	}
}

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("output = %q, want version %q", out.String(), version)
	}
}
