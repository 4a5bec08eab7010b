package config

import (
	"strings"
	"time"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/storage"
	"github.com/replaycast/replaycast/internal/sweeper"
)

// Coordinator is coordinator.yaml.
type Coordinator struct {
	Listen string `yaml:"listen"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	ReplayRoot string         `yaml:"replay_root"`
	Storage    storage.Config `yaml:"storage"`

	// RepairCommand reads a damaged demo on stdin and writes it fixed to stdout
	RepairCommand []string      `yaml:"repair_command"`
	RepairTimeout time.Duration `yaml:"repair_timeout"`

	// RedisURL enables the notice mirror when set
	RedisURL      string `yaml:"redis_url"`
	NoticeChannel string `yaml:"notice_channel"`

	Dispatch struct {
		BatchSize        int           `yaml:"batch_size"`
		MaxWorkers       int           `yaml:"max_workers"`
		MinWorkerVersion string        `yaml:"min_worker_version"`
		RateLimitRPS     float64       `yaml:"rate_limit_rps"`
		RateLimitBurst   int           `yaml:"rate_limit_burst"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
		MapMirrorURL     string        `yaml:"map_mirror_url"`
	} `yaml:"dispatch"`

	Bot struct {
		Titles        []string         `yaml:"titles"`
		Qualities     []ledger.Quality `yaml:"qualities"`
		MaxReplaySize int64            `yaml:"max_replay_size"`
	} `yaml:"bot"`

	Sweeper struct {
		Interval      time.Duration `yaml:"interval"`
		ClaimTimeout  time.Duration `yaml:"claim_timeout"`
		RenderTimeout time.Duration `yaml:"render_timeout"`
		ImportMinAge  time.Duration `yaml:"import_min_age"`
		ImportMaxAge  time.Duration `yaml:"import_max_age"`
	} `yaml:"sweeper"`

	MaxVideoSize int64 `yaml:"max_video_size"`
}

// DefaultCoordinator returns the configuration used when nothing is set.
func DefaultCoordinator() *Coordinator {
	c := &Coordinator{Listen: ":8080", ReplayRoot: "data/replays", RepairTimeout: 2 * time.Minute}
	c.Database.Driver = ledger.DriverSQLite
	c.Database.DSN = "data/ledger.db"
	c.Storage.Provider = storage.ProviderLocal
	c.Storage.LocalRoot = "data/videos"

	d := dispatch.DefaultConfig()
	c.Dispatch.BatchSize = d.BatchSize
	c.Dispatch.MaxWorkers = d.MaxWorkers
	c.Dispatch.RateLimitRPS = d.RateLimitRPS
	c.Dispatch.RateLimitBurst = d.RateLimitBurst
	c.Dispatch.IdleTimeout = d.IdleTimeout
	c.Bot.Qualities = d.Bot.Qualities
	c.Bot.MaxReplaySize = d.Bot.MaxReplaySize

	s := sweeper.DefaultConfig()
	c.Sweeper.Interval = s.Interval
	c.Sweeper.ClaimTimeout = s.ClaimTimeout
	c.Sweeper.RenderTimeout = s.RenderTimeout
	c.Sweeper.ImportMinAge = s.ImportMinAge
	c.Sweeper.ImportMaxAge = s.ImportMaxAge

	c.MaxVideoSize = 4 << 30
	return c
}

// LoadCoordinator reads path (optional) over the defaults and applies
// environment overrides.
func LoadCoordinator(path string) (*Coordinator, error) {
	c := DefaultCoordinator()
	if err := readYAML(path, c); err != nil {
		return nil, err
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) applyEnv() {
	c.Listen = getEnvOrDefault("REPLAYCAST_LISTEN", c.Listen)
	c.Database.Driver = getEnvOrDefault("REPLAYCAST_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvOrDefault("REPLAYCAST_DB_DSN", c.Database.DSN)
	c.ReplayRoot = getEnvOrDefault("REPLAYCAST_REPLAY_ROOT", c.ReplayRoot)
	c.RedisURL = getEnvOrDefault("REPLAYCAST_REDIS_URL", c.RedisURL)
	c.Dispatch.BatchSize = getEnvInt("REPLAYCAST_BATCH_SIZE", c.Dispatch.BatchSize)
	c.Dispatch.MinWorkerVersion = getEnvOrDefault("REPLAYCAST_MIN_WORKER_VERSION", c.Dispatch.MinWorkerVersion)
	c.Dispatch.MapMirrorURL = getEnvOrDefault("REPLAYCAST_MAP_MIRROR_URL", c.Dispatch.MapMirrorURL)
	c.Sweeper.Interval = getEnvDuration("REPLAYCAST_SWEEP_INTERVAL", c.Sweeper.Interval)

	c.Storage.Provider = getEnvOrDefault("REPLAYCAST_STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.LocalRoot = getEnvOrDefault("REPLAYCAST_STORAGE_ROOT", c.Storage.LocalRoot)
	c.Storage.PublicBaseURL = getEnvOrDefault("REPLAYCAST_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)
	c.Storage.DriveClientID = getEnvOrDefault("REPLAYCAST_DRIVE_CLIENT_ID", c.Storage.DriveClientID)
	c.Storage.DriveClientSecret = getEnvOrDefault("REPLAYCAST_DRIVE_CLIENT_SECRET", c.Storage.DriveClientSecret)
	c.Storage.DriveRefreshToken = getEnvOrDefault("REPLAYCAST_DRIVE_REFRESH_TOKEN", c.Storage.DriveRefreshToken)
	c.Storage.DriveFolderID = getEnvOrDefault("REPLAYCAST_DRIVE_FOLDER_ID", c.Storage.DriveFolderID)
}

// Validate checks the coordinator settings, including the sections it hands
// to dispatch and the sweeper.
func (c *Coordinator) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return ErrMissingListen
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ErrMissingDatabase
	}
	if strings.TrimSpace(c.ReplayRoot) == "" {
		return ErrMissingReplayRoot
	}
	d := c.DispatchConfig()
	if err := d.Validate(); err != nil {
		return err
	}
	s := c.SweeperConfig()
	return s.Validate()
}

// DispatchConfig maps the dispatch and bot sections onto dispatch.Config.
func (c *Coordinator) DispatchConfig() dispatch.Config {
	d := dispatch.DefaultConfig()
	d.BatchSize = c.Dispatch.BatchSize
	d.MaxWorkers = c.Dispatch.MaxWorkers
	d.MinWorkerVersion = c.Dispatch.MinWorkerVersion
	d.RateLimitRPS = c.Dispatch.RateLimitRPS
	d.RateLimitBurst = c.Dispatch.RateLimitBurst
	if c.Dispatch.IdleTimeout > 0 {
		d.IdleTimeout = c.Dispatch.IdleTimeout
	}
	d.MapMirrorURL = c.Dispatch.MapMirrorURL
	d.Bot = dispatch.BotLimits{
		Titles:        c.Bot.Titles,
		Qualities:     c.Bot.Qualities,
		MaxReplaySize: c.Bot.MaxReplaySize,
	}
	return d
}

// SweeperConfig maps the sweeper section onto sweeper.Config.
func (c *Coordinator) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		Interval:      c.Sweeper.Interval,
		ClaimTimeout:  c.Sweeper.ClaimTimeout,
		RenderTimeout: c.Sweeper.RenderTimeout,
		ImportMinAge:  c.Sweeper.ImportMinAge,
		ImportMaxAge:  c.Sweeper.ImportMaxAge,
	}
}
