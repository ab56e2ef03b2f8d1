package daemon

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/openfield/fieldsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, "FieldSync")
	DefaultConfigPath = filepath.Join(home, ".fieldsync", "config.json")
)

const (
	defaultSyncSchedule = "@every 1m"
	defaultTileSchedule = "@every 5m"
	defaultMaxRetries   = 10
	defaultPhotoWorkers = 4
)

var defaultZoomLevels = []int{10, 11, 12, 13, 14}

// Config is the daemon configuration, merged from flags, FIELDSYNC_* env
// vars and the JSON config file.
type Config struct {
	DataDir         string `json:"data_dir"`
	ServerURL       string `json:"server_url"`
	UserID          string `json:"user_id"`
	SurveyID        string `json:"survey_id"`
	TileURLTemplate string `json:"tile_url_template"`
	TileZoomLevels  []int  `json:"tile_zoom_levels"`
	SyncSchedule    string `json:"sync_schedule"`
	TileSchedule    string `json:"tile_schedule"`
	MaxRetries      int    `json:"max_retries"`
	PhotoWorkers    int    `json:"photo_workers"`
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: resolve data_dir %q: %w", c.DataDir, err)
	}
	c.DataDir = dataDir
	if c.ServerURL == "" {
		return errors.New("config: server_url is required")
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("config: invalid server_url %q: %w", c.ServerURL, err)
	}
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}

	if c.SyncSchedule == "" {
		c.SyncSchedule = defaultSyncSchedule
	}
	if c.TileSchedule == "" {
		c.TileSchedule = defaultTileSchedule
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.PhotoWorkers <= 0 {
		c.PhotoWorkers = defaultPhotoWorkers
	}
	if len(c.TileZoomLevels) == 0 {
		c.TileZoomLevels = defaultZoomLevels
	}
	return nil
}

func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "fieldsync.db") }
func (c *Config) TilesDir() string     { return filepath.Join(c.DataDir, "tiles") }
func (c *Config) LockPath() string     { return filepath.Join(c.DataDir, "fieldsync.lock") }
