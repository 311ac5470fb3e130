package config

import "testing"

func TestSetDefaults_FillsZeroValues(t *testing.T) {
	var c Config
	SetDefaults(&c)

	if c.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", c.Server.Host)
	}
	if c.Server.RateLimitRPS != 100 {
		t.Errorf("Server.RateLimitRPS = %v, want 100", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst != 200 {
		t.Errorf("Server.RateLimitBurst = %v, want 200", c.Server.RateLimitBurst)
	}
	if c.Target.TimeoutSecs != 30 {
		t.Errorf("Target.TimeoutSecs = %d, want 30", c.Target.TimeoutSecs)
	}
	if c.Logging.RetentionDays != 30 {
		t.Errorf("Logging.RetentionDays = %d, want 30", c.Logging.RetentionDays)
	}
	if c.UI.CertsDir != "./certs" {
		t.Errorf("UI.CertsDir = %q, want ./certs", c.UI.CertsDir)
	}
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	c := Config{Server: Server{Host: "127.0.0.1", RateLimitRPS: 5}}
	SetDefaults(&c)

	if c.Server.Host != "127.0.0.1" {
		t.Errorf("explicit Server.Host was overridden: got %q", c.Server.Host)
	}
	if c.Server.RateLimitRPS != 5 {
		t.Errorf("explicit Server.RateLimitRPS was overridden: got %v", c.Server.RateLimitRPS)
	}
}
