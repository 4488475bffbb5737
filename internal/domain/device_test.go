package domain

import "testing"

func TestIdentifierPrefersID(t *testing.T) {
	cfg := DeviceConfig{ID: "aa:bb", Address: "10.0.0.9"}
	if cfg.Identifier() != "aa:bb" {
		t.Errorf("Identifier() = %q", cfg.Identifier())
	}

	cfg = DeviceConfig{Address: "10.0.0.9"}
	if cfg.Identifier() != "10.0.0.9" {
		t.Errorf("Identifier() = %q", cfg.Identifier())
	}

	if (DeviceConfig{}).Identifier() != "" {
		t.Error("empty config must yield an empty identifier")
	}
}
