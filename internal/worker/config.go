package worker

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/supervisor"
)

// Config configures one worker process.
type Config struct {
	CoordinatorURL string
	Token          string
	NodeName       string
	Version        string

	// CheckInterval is how often an idle worker asks for work
	CheckInterval time.Duration
	MaxQuality    ledger.Quality
	// Titles maps a title mod to its engine launch settings
	Titles map[string]supervisor.Title

	VideosDir     string
	MapsDir       string
	VideoExt      string
	MinFreeDiskMB uint64

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxBackoff       time.Duration
	SendRetries      int
	SendRetryDelay   time.Duration
	// FetchTimeout abandons a batch whose claims stop getting replies
	FetchTimeout time.Duration
	// StartTimeout abandons a confirmed batch the coordinator never started
	StartTimeout    time.Duration
	UploadTimeout   time.Duration
	TimeoutOverride time.Duration

	// StatusAddr is the local status endpoint; empty disables it
	StatusAddr string
	// RedisURL enables heartbeat publishing when set
	RedisURL          string
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with every tunable set.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeName:          hostname,
		CheckInterval:     5 * time.Second,
		MaxQuality:        ledger.Quality1080p,
		VideosDir:         filepath.Join(os.TempDir(), "replaycast", "videos"),
		MapsDir:           filepath.Join(os.TempDir(), "replaycast", "maps"),
		VideoExt:          ".mp4",
		MinFreeDiskMB:     2048,
		PingInterval:      30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxBackoff:        time.Minute,
		SendRetries:       3,
		SendRetryDelay:    2 * time.Second,
		FetchTimeout:      2 * time.Minute,
		StartTimeout:      30 * time.Second,
		UploadTimeout:     30 * time.Minute,
		StatusAddr:        "127.0.0.1:8081",
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CoordinatorURL) == "" {
		return ErrMissingCoordinator
	}
	if _, err := url.Parse(c.CoordinatorURL); err != nil {
		return fmt.Errorf("invalid coordinator url: %w", err)
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	if len(c.Titles) == 0 {
		return ErrNoTitles
	}
	if c.CheckInterval <= 0 {
		return ErrInvalidInterval
	}
	if !c.MaxQuality.Valid() {
		return fmt.Errorf("unsupported max quality %d", int(c.MaxQuality))
	}
	for mod, t := range c.Titles {
		if t.Binary == "" || t.GameDir == "" {
			return fmt.Errorf("title %s: binary and game_dir are required", mod)
		}
	}
	return nil
}

// TitleMods lists the configured titles in a stable order.
func (c *Config) TitleMods() []string {
	mods := make([]string, 0, len(c.Titles))
	for mod := range c.Titles {
		mods = append(mods, mod)
	}
	sort.Strings(mods)
	return mods
}
