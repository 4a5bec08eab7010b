package config

import (
	"strings"
	"time"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/supervisor"
	"github.com/replaycast/replaycast/internal/worker"
)

// Worker is worker.yaml.
type Worker struct {
	CoordinatorURL string `yaml:"coordinator_url"`
	Token          string `yaml:"token"`
	NodeName       string `yaml:"node_name"`

	CheckInterval time.Duration               `yaml:"check_interval"`
	MaxQuality    ledger.Quality              `yaml:"max_quality"`
	Titles        map[string]supervisor.Title `yaml:"titles"`

	VideosDir     string `yaml:"videos_dir"`
	MapsDir       string `yaml:"maps_dir"`
	VideoExt      string `yaml:"video_ext"`
	MinFreeDiskMB uint64 `yaml:"min_free_disk_mb"`

	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	SendRetries     int           `yaml:"send_retries"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	TimeoutOverride time.Duration `yaml:"timeout_override"`

	StatusAddr        string        `yaml:"status_addr"`
	StatusEnabled     bool          `yaml:"status_enabled"`
	RedisURL          string        `yaml:"redis_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultWorker mirrors worker.DefaultConfig.
func DefaultWorker() *Worker {
	d := worker.DefaultConfig()
	return &Worker{
		NodeName:          d.NodeName,
		CheckInterval:     d.CheckInterval,
		MaxQuality:        d.MaxQuality,
		VideosDir:         d.VideosDir,
		MapsDir:           d.MapsDir,
		VideoExt:          d.VideoExt,
		MinFreeDiskMB:     d.MinFreeDiskMB,
		PingInterval:      d.PingInterval,
		MaxBackoff:        d.MaxBackoff,
		SendRetries:       d.SendRetries,
		FetchTimeout:      d.FetchTimeout,
		StartTimeout:      d.StartTimeout,
		UploadTimeout:     d.UploadTimeout,
		StatusAddr:        d.StatusAddr,
		StatusEnabled:     true,
		HeartbeatInterval: d.HeartbeatInterval,
	}
}

// LoadWorker reads path (optional) over the defaults and applies environment
// overrides.
func LoadWorker(path string) (*Worker, error) {
	w := DefaultWorker()
	if err := readYAML(path, w); err != nil {
		return nil, err
	}
	w.applyEnv()
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) applyEnv() {
	w.CoordinatorURL = getEnvOrDefault("REPLAYCAST_COORDINATOR_URL", w.CoordinatorURL)
	w.Token = getEnvOrDefault("REPLAYCAST_WORKER_TOKEN", w.Token)
	w.NodeName = getEnvOrDefault("REPLAYCAST_NODE_NAME", w.NodeName)
	w.VideosDir = getEnvOrDefault("REPLAYCAST_VIDEOS_DIR", w.VideosDir)
	w.MapsDir = getEnvOrDefault("REPLAYCAST_MAPS_DIR", w.MapsDir)
	w.RedisURL = getEnvOrDefault("REPLAYCAST_REDIS_URL", w.RedisURL)
	w.CheckInterval = getEnvDuration("REPLAYCAST_CHECK_INTERVAL", w.CheckInterval)
	w.MinFreeDiskMB = uint64(getEnvInt("REPLAYCAST_MIN_FREE_DISK_MB", int(w.MinFreeDiskMB)))
	w.StatusEnabled = getEnvBool("REPLAYCAST_STATUS_ENABLED", w.StatusEnabled)
	w.TimeoutOverride = getEnvDuration("REPLAYCAST_TIMEOUT_OVERRIDE", w.TimeoutOverride)
}

// Validate checks worker.yaml. Title details are checked by worker.Config.
func (w *Worker) Validate() error {
	if strings.TrimSpace(w.CoordinatorURL) == "" {
		return ErrMissingCoordinator
	}
	if w.Token == "" {
		return ErrMissingToken
	}
	if len(w.Titles) == 0 {
		return ErrNoTitles
	}
	if !w.MaxQuality.Valid() {
		return ErrInvalidQuality
	}
	return nil
}

// WorkerConfig builds the runtime config. Each title's Mod is its map key.
func (w *Worker) WorkerConfig(version string) worker.Config {
	cfg := worker.DefaultConfig()
	cfg.CoordinatorURL = w.CoordinatorURL
	cfg.Token = w.Token
	cfg.NodeName = w.NodeName
	cfg.Version = version
	cfg.CheckInterval = w.CheckInterval
	cfg.MaxQuality = w.MaxQuality
	cfg.VideosDir = w.VideosDir
	cfg.MapsDir = w.MapsDir
	cfg.VideoExt = w.VideoExt
	cfg.MinFreeDiskMB = w.MinFreeDiskMB
	cfg.PingInterval = w.PingInterval
	cfg.MaxBackoff = w.MaxBackoff
	cfg.SendRetries = w.SendRetries
	cfg.FetchTimeout = w.FetchTimeout
	cfg.StartTimeout = w.StartTimeout
	cfg.UploadTimeout = w.UploadTimeout
	cfg.TimeoutOverride = w.TimeoutOverride
	cfg.RedisURL = w.RedisURL
	cfg.HeartbeatInterval = w.HeartbeatInterval
	cfg.StatusAddr = ""
	if w.StatusEnabled {
		cfg.StatusAddr = w.StatusAddr
	}

	cfg.Titles = make(map[string]supervisor.Title, len(w.Titles))
	for mod, t := range w.Titles {
		t.Mod = mod
		cfg.Titles[mod] = t
	}
	return cfg
}
