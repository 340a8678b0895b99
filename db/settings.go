package db

import (
	"database/sql"
	"time"
)

// Recognized setting keys.
const (
	SettingWebhookURL           = "webhook_url"
	SettingNotificationsEnabled = "notifications_enabled"
	SettingNamingEnabled        = "naming_enabled"
	SettingLogLevel             = "log_level"
)

var defaultSettings = map[string]string{
	SettingWebhookURL:           "",
	SettingNotificationsEnabled: "false",
	SettingNamingEnabled:        "true",
	SettingLogLevel:             "info",
}

// NowMs returns the current time in unix milliseconds, the timestamp unit
// used throughout the database.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// GetSetting retrieves a setting by key, falling back to its default.
func GetSetting(key string) (string, error) {
	var value string
	err := GetDB().QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultSettings[key], nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetBoolSetting interprets a setting as a boolean ("true" is true).
func GetBoolSetting(key string) (bool, error) {
	value, err := GetSetting(key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetSetting updates or creates a setting.
func SetSetting(key, value string) error {
	_, err := GetDB().Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, NowMs())
	return err
}

// DeleteSetting removes a stored setting, reverting it to the default.
func DeleteSetting(key string) error {
	_, err := GetDB().Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// GetAllSettings returns defaults overlaid with stored values.
func GetAllSettings() (map[string]string, error) {
	settings := make(map[string]string, len(defaultSettings))
	for k, v := range defaultSettings {
		settings[k] = v
	}

	rows, err := GetDB().Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// UpdateSettings updates multiple settings atomically.
func UpdateSettings(settings map[string]string) error {
	return Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := NowMs()
		for key, value := range settings {
			if _, err := stmt.Exec(key, value, now); err != nil {
				return err
			}
		}
		return nil
	})
}
