package texcache

import (
	"fmt"
	"strings"
)

// Filter selects the software scaling kernel.
type Filter uint8

// Scaling filters.
const (
	FilterNearest Filter = iota
	FilterBilinear
	FilterCatmullRom
	FilterLanczos
)

var filterNames = [...]string{
	FilterNearest:    "nearest",
	FilterBilinear:   "bilinear",
	FilterCatmullRom: "catmullrom",
	FilterLanczos:    "lanczos",
}

func (f Filter) String() string {
	if int(f) < len(filterNames) {
		return filterNames[f]
	}
	return fmt.Sprintf("Filter(%d)", f)
}

// MarshalText implements encoding.TextMarshaler.
func (f Filter) MarshalText() ([]byte, error) {
	if int(f) >= len(filterNames) {
		return nil, fmt.Errorf("texcache: unknown filter %d", f)
	}
	return []byte(filterNames[f]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Filter) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range filterNames {
		if n == name {
			*f = Filter(i)
			return nil
		}
	}
	return fmt.Errorf("texcache: unknown filter %q", b)
}

// Config tunes the cache. The thresholds are tuning values; zero fields
// take the defaults of DefaultConfig.
type Config struct {
	// ScaleFactor is the integer upscale applied to decoded textures.
	// 0 and 1 disable scaling.
	ScaleFactor int `toml:"scale_factor"`
	// Filter is the software scaling kernel.
	Filter Filter `toml:"filter"`
	// HardwareScaling leaves scaling to the device; the software path is
	// skipped and bindings report the factor.
	HardwareScaling bool `toml:"hardware_scaling"`
	// Workers sizes the scaling worker pool. 0 means GOMAXPROCS.
	Workers int `toml:"workers"`

	// MemoryBudget caps the bytes of uploaded textures. 0 is unlimited.
	MemoryBudget uint64 `toml:"memory_budget"`
	SlabSize     uint64 `toml:"slab_size"`
	SlabPressure int    `toml:"slab_pressure"`

	FrameChangeFrequent            int `toml:"frame_change_frequent"`
	FrameChangeFrequentRegainTrust int `toml:"frame_change_frequent_regain_trust"`
	FramesRegainTrust              int `toml:"frames_regain_trust"`
	ReliableAfter                  int `toml:"reliable_after"`
	MaxHashBackoff                 int `toml:"max_hash_backoff"`
	MaxTexelsScaled                int `toml:"max_texels_scaled"`

	DecimationInterval int `toml:"decimation_interval"`
	KillAge            int `toml:"kill_age"`
	KillAgeLowMemory   int `toml:"kill_age_low_memory"`
	UnreliableKillAge  int `toml:"unreliable_kill_age"`
	UnreliableKillMax  int `toml:"unreliable_kill_max"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ScaleFactor:                    1,
		Filter:                         FilterBilinear,
		SlabSize:                       8 << 20,
		SlabPressure:                   4,
		FrameChangeFrequent:            6,
		FrameChangeFrequentRegainTrust: 33,
		FramesRegainTrust:              1000,
		ReliableAfter:                  8,
		MaxHashBackoff:                 512,
		MaxTexelsScaled:                256 * 256,
		DecimationInterval:             13,
		KillAge:                        200,
		KillAgeLowMemory:               60,
		UnreliableKillAge:              30,
		UnreliableKillMax:              4,
	}
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.ScaleFactor < 0 || c.ScaleFactor > 8:
		return fmt.Errorf("texcache: scale factor %d out of range 0..8", c.ScaleFactor)
	case int(c.Filter) >= len(filterNames):
		return fmt.Errorf("texcache: unknown filter %d", c.Filter)
	case c.KillAgeLowMemory > c.KillAge && c.KillAge > 0:
		return fmt.Errorf("texcache: low memory kill age %d above kill age %d", c.KillAgeLowMemory, c.KillAge)
	case c.UnreliableKillAge > c.KillAge && c.KillAge > 0:
		return fmt.Errorf("texcache: unreliable kill age %d above kill age %d", c.UnreliableKillAge, c.KillAge)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScaleFactor == 0 {
		c.ScaleFactor = 1
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	if c.SlabSize == 0 {
		c.SlabSize = d.SlabSize
	}
	setInt(&c.SlabPressure, d.SlabPressure)
	setInt(&c.FrameChangeFrequent, d.FrameChangeFrequent)
	setInt(&c.FrameChangeFrequentRegainTrust, d.FrameChangeFrequentRegainTrust)
	setInt(&c.FramesRegainTrust, d.FramesRegainTrust)
	setInt(&c.ReliableAfter, d.ReliableAfter)
	setInt(&c.MaxHashBackoff, d.MaxHashBackoff)
	setInt(&c.MaxTexelsScaled, d.MaxTexelsScaled)
	setInt(&c.DecimationInterval, d.DecimationInterval)
	setInt(&c.KillAge, d.KillAge)
	setInt(&c.KillAgeLowMemory, d.KillAgeLowMemory)
	setInt(&c.UnreliableKillAge, d.UnreliableKillAge)
	setInt(&c.UnreliableKillMax, d.UnreliableKillMax)
	return c
}
