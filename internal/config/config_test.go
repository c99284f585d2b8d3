package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.RetransmissionTimeout != 2*time.Second {
		t.Errorf("RetransmissionTimeout = %v, want 2s", c.RetransmissionTimeout)
	}
	if c.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", c.MaxRetries)
	}
	if c.FlowControl != 20 {
		t.Errorf("FlowControl = %d, want 20", c.FlowControl)
	}
	if c.DatagramAddr.Port() != 8080 {
		t.Errorf("DatagramAddr port = %d, want 8080", c.DatagramAddr.Port())
	}
	if c.AlertAddr.Port() != 9090 {
		t.Errorf("AlertAddr port = %d, want 9090", c.AlertAddr.Port())
	}
}

func TestOverrideFromEnv(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{
		"NMS_MAX_RETRIES=5",
		"NMS_FLOW_CONTROL=10",
		"NMS_LOG_LEVEL=debug",
		"IGNORED_VAR=ignored",
	}); err != nil {
		t.Fatal(err)
	}
	if c.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", c.MaxRetries)
	}
	if c.FlowControl != 10 {
		t.Errorf("FlowControl = %d, want 10", c.FlowControl)
	}
	if c.LogLevel.String() != "debug" {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	// unset fields still get their defaults
	if c.RetransmissionTimeout != 2*time.Second {
		t.Errorf("RetransmissionTimeout = %v, want 2s", c.RetransmissionTimeout)
	}
}
