package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestMain points the singleton database at a temp file before any test can
// open it.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "bridge-db-test")
	if err != nil {
		panic(err)
	}
	os.Setenv("DATABASE_PATH", filepath.Join(dir, "test.db"))
	os.Setenv("DATA_DIR", dir)
	os.Setenv("ENV", "test")

	code := m.Run()

	Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestSettingDefaults(t *testing.T) {
	value, err := GetSetting(SettingNamingEnabled)
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "true" {
		t.Errorf("expected naming default true, got %q", value)
	}

	enabled, err := GetBoolSetting(SettingNotificationsEnabled)
	if err != nil {
		t.Fatalf("GetBoolSetting failed: %v", err)
	}
	if enabled {
		t.Error("notifications should default to disabled")
	}
}

func TestSetAndGetSetting(t *testing.T) {
	if err := SetSetting(SettingWebhookURL, "https://hooks.example/x"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	value, err := GetSetting(SettingWebhookURL)
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "https://hooks.example/x" {
		t.Errorf("got %q", value)
	}

	// Overwrite.
	if err := SetSetting(SettingWebhookURL, "https://hooks.example/y"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}
	value, _ = GetSetting(SettingWebhookURL)
	if value != "https://hooks.example/y" {
		t.Errorf("overwrite not applied, got %q", value)
	}

	if err := DeleteSetting(SettingWebhookURL); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	value, _ = GetSetting(SettingWebhookURL)
	if value != "" {
		t.Errorf("delete should revert to default, got %q", value)
	}
}

func TestUpdateSettingsAndGetAll(t *testing.T) {
	err := UpdateSettings(map[string]string{
		SettingNotificationsEnabled: "true",
		SettingLogLevel:             "debug",
	})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	all, err := GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings failed: %v", err)
	}
	if all[SettingNotificationsEnabled] != "true" || all[SettingLogLevel] != "debug" {
		t.Errorf("updates not visible: %v", all)
	}
	// Untouched keys keep their defaults.
	if _, ok := all[SettingNamingEnabled]; !ok {
		t.Error("defaults missing from GetAllSettings")
	}
}

func TestMigrationVersion(t *testing.T) {
	version, err := GetCurrentVersion()
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("expected schema version >= 1, got %d", version)
	}
}
