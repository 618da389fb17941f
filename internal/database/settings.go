package database

import "database/sql"

// Setting keys. Values are stored as strings; booleans use "1"/"0".
const (
	SettingMusicLibraryPath   = "music_library_path"
	SettingPodcastLibraryPath = "podcast_library_path"
	SettingExportPath         = "export_path"
	SettingAllowNoMetadata    = "allow_no_metadata"
	SettingTranscodeOnAdd     = "transcode_on_add"
	SettingTranscodeFormat    = "transcode_format"
	SettingLibrarySort        = "library_sort"
	SettingLibraryOrder       = "library_order"
)

// settingDefaults documents the value implied by an absent key.
var settingDefaults = map[string]string{
	SettingMusicLibraryPath:   "",
	SettingPodcastLibraryPath: "",
	SettingExportPath:         "",
	SettingAllowNoMetadata:    "1",
	SettingTranscodeOnAdd:     "1",
	SettingTranscodeFormat:    "alac",
	SettingLibrarySort:        "artist",
	SettingLibraryOrder:       "asc",
}

// GetSetting returns the stored value for a key, or its documented default
// when the key has never been written.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.getSettingStmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return settingDefaults[key], nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores a value for a key, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.setSettingStmt.Exec(key, value)
	if err != nil {
		db.logger.WithError(err).WithField("key", key).Error("Failed to store setting")
	}
	return err
}

// BoolSetting interprets a stored setting as a boolean; anything other than
// "0" counts as enabled, matching how absent keys default on.
func (db *DB) BoolSetting(key string) (bool, error) {
	value, err := db.GetSetting(key)
	if err != nil {
		return false, err
	}
	return value != "0", nil
}
