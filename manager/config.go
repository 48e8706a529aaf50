package manager

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Apple manufacturer id and the first payload bytes worth dispatching. Apple
// continuity traffic can account for a third of a busy network; everything
// outside these types carries nothing a subscriber can use.
const AppleManufacturerID = 0x004C

// Default first bytes accepted for Apple-only advertisements: iBeacon,
// AirDrop/HomeKit, HomeKit notify, Device-ID, FindMy.
var defaultAppleAllowedFirstBytes = []byte{0x02, 0x05, 0x06, 0x10, 0x12}

// Config is the manager's tuning surface. Zero values are filled from the
// struct tags; AppleAllowedFirstBytes falls back to the default set.
type Config struct {
	// RSSISwitchThreshold is how many dBm stronger a different source must
	// be before it takes over a device's history entry.
	RSSISwitchThreshold int `yaml:"rssi_switch_threshold" default:"16"`

	// DefaultStaleSeconds is the assumed advertising interval when nothing
	// has been learned or supplied for an address.
	DefaultStaleSeconds float64 `yaml:"default_stale_seconds" default:"60"`

	// FallbackMaximumStaleSeconds is the floor applied to any stale
	// computation.
	FallbackMaximumStaleSeconds float64 `yaml:"fallback_maximum_stale_seconds" default:"60"`

	// TrackerWobbleSeconds absorbs scanner-side buffering before an
	// advertisement is considered overdue.
	TrackerWobbleSeconds float64 `yaml:"tracker_wobble_seconds" default:"3"`

	// UnavailableTrackInterval is the cadence of the availability sweep.
	UnavailableTrackInterval time.Duration `yaml:"unavailable_track_interval" default:"30s"`

	// WatchdogInterval and WatchdogTimeout are handed to local scanners.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" default:"30s"`
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout" default:"90s"`

	// AppleAllowedFirstBytes overrides the Apple fast-filter accept set.
	AppleAllowedFirstBytes []byte `yaml:"apple_allowed_first_bytes"`
}

// DefaultConfig returns a config with every knob at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.AppleAllowedFirstBytes = append([]byte(nil), defaultAppleAllowedFirstBytes...)
	return cfg
}

func (c *Config) normalize() {
	defaults.SetDefaults(c)
	if len(c.AppleAllowedFirstBytes) == 0 {
		c.AppleAllowedFirstBytes = append([]byte(nil), defaultAppleAllowedFirstBytes...)
	}
}
