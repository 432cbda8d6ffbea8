package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create temporary config file
	content := `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

transfer:
  maxItemsPerJob: 25
  maxRateLimitWait: "90s"

plans:
  free:
    class: "free"
    slotTotal: 3
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	// Load config
	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify loaded values
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}

	if cfg.Database.Host != "testdb" {
		t.Errorf("Expected database host testdb, got %s", cfg.Database.Host)
	}

	if cfg.Transfer.MaxItemsPerJob != 25 {
		t.Errorf("Expected maxItemsPerJob 25, got %d", cfg.Transfer.MaxItemsPerJob)
	}

	if cfg.Transfer.MaxRateLimitWait != 90*time.Second {
		t.Errorf("Expected maxRateLimitWait 90s, got %v", cfg.Transfer.MaxRateLimitWait)
	}

	if cfg.Plans["free"].SlotTotal != 3 {
		t.Errorf("Expected free plan slotTotal override 3, got %d", cfg.Plans["free"].SlotTotal)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Transfer.MaxItemsPerJob != 100 {
		t.Errorf("Expected default maxItemsPerJob 100, got %d", cfg.Transfer.MaxItemsPerJob)
	}

	if cfg.Transfer.ItemTimeout != 10*time.Minute {
		t.Errorf("Expected default itemTimeout 10m, got %v", cfg.Transfer.ItemTimeout)
	}

	free, ok := cfg.Plans["free"]
	if !ok {
		t.Fatal("Expected default free plan")
	}
	if free.SlotTotal != 2 {
		t.Errorf("Expected free plan slotTotal 2, got %d", free.SlotTotal)
	}
	if free.LifetimeByteLimit != 5*1024*1024*1024 {
		t.Errorf("Expected free plan lifetime limit 5GB, got %d", free.LifetimeByteLimit)
	}

	business, ok := cfg.Plans["business"]
	if !ok {
		t.Fatal("Expected default business plan")
	}
	if business.MonthlyByteLimit != 0 {
		t.Errorf("Expected business plan unlimited monthly bytes, got %d", business.MonthlyByteLimit)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}
