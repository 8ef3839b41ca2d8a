package telemetry

import "testing"

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.APIKey = "0123456789"
	cfg.ProjectID = "proj-1"
	return cfg
}

func TestValidateAcceptsDefaultConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsShortAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.APIKey = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a ConfigError for a short api_key")
	}
}

func TestValidateRejectsMissingProjectID(t *testing.T) {
	cfg := validConfig()
	cfg.ProjectID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a ConfigError for a missing project_id")
	}
}

func TestValidateRejectsNonHTTPEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a ConfigError for a non-HTTP endpoint")
	}
}

func TestValidateRejectsNonPositiveBufferSize(t *testing.T) {
	cfg := validConfig()
	cfg.BufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a ConfigError for buffer_size <= 0")
	}
}

func TestIdentityIsKeyedOnAPIKeyProjectIDAndEndpoint(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.BufferSize = a.BufferSize + 1

	if a.Identity() != b.Identity() {
		t.Fatal("Identity must ignore fields other than api_key/project_id/endpoint")
	}

	b.ProjectID = "other-project"
	if a.Identity() == b.Identity() {
		t.Fatal("Identity must differ when project_id differs")
	}
}

func TestEqualDetectsDivergentRuntimeSettings(t *testing.T) {
	a := validConfig()
	b := a
	if !a.Equal(b) {
		t.Fatal("expected identical configs to be Equal")
	}

	b.BufferSize = a.BufferSize + 1
	if a.Equal(b) {
		t.Fatal("expected configs with different buffer sizes to not be Equal")
	}
}
