package config

import "testing"

func TestParseEnvDefaults(t *testing.T) {
	type cfg struct {
		Port int    `env:"RELAYCORE_TEST_PORT" envDefault:"7070"`
		Name string `env:"RELAYCORE_TEST_NAME" envDefault:"relay"`
	}
	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Port != 7070 {
		t.Fatalf("expected default port 7070, got %d", c.Port)
	}
	if c.Name != "relay" {
		t.Fatalf("expected default name relay, got %q", c.Name)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	type cfg struct {
		Port int `env:"RELAYCORE_TEST_PORT2" envDefault:"7070"`
	}
	t.Setenv("RELAYCORE_TEST_PORT2", "9091")
	var c cfg
	if err := ParseEnv(&c); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if c.Port != 9091 {
		t.Fatalf("expected port 9091, got %d", c.Port)
	}
}
