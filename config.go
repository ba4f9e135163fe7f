package emugpu

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/internal/rescache"
	"github.com/gogpu/emugpu/internal/runner"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/texcache"
)

// Config configures an Engine. It maps onto a TOML document:
//
//	frame_ring = 2
//	debug = false
//
//	[texture_cache]
//	scale_factor = 2
//	filter = "catmullrom"
type Config struct {
	// FrameRing is the number of frames the CPU may run ahead of the
	// device, 1 to 3.
	FrameRing int `toml:"frame_ring"`
	// Debug turns fatal step errors into panics.
	Debug bool `toml:"debug"`

	DescriptorPoolSize     uint32 `toml:"descriptor_pool_size"`
	DescriptorWipeInterval int    `toml:"descriptor_wipe_interval"`
	PipelineCacheLimit     int    `toml:"pipeline_cache_limit"`
	PushBufferSize         uint64 `toml:"push_buffer_size"`

	// Texture configures texture caches created by Engine.NewTextureCache.
	Texture texcache.Config `toml:"texture_cache"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FrameRing:              2,
		DescriptorPoolSize:     rescache.DefaultDescriptorPoolSize,
		DescriptorWipeInterval: 1,
		PipelineCacheLimit:     rescache.DefaultPipelineLimit,
		PushBufferSize:         frame.DefaultPushSize,
		Texture:                texcache.DefaultConfig(),
	}
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	if c.FrameRing < 1 || c.FrameRing > frame.MaxRingSize {
		return fmt.Errorf("emugpu: frame ring %d out of range 1..%d", c.FrameRing, frame.MaxRingSize)
	}
	if c.DescriptorWipeInterval < 0 {
		return fmt.Errorf("emugpu: negative descriptor wipe interval %d", c.DescriptorWipeInterval)
	}
	if c.PipelineCacheLimit < 0 {
		return fmt.Errorf("emugpu: negative pipeline cache limit %d", c.PipelineCacheLimit)
	}
	return c.Texture.Validate()
}

// ParseConfig reads a TOML document over the defaults. Unknown keys are
// rejected.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("emugpu: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads the TOML file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("emugpu: load config: %w", err)
	}
	return ParseConfig(b)
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c Config) runner(onOOM func(resource.Handle, uint64)) runner.Config {
	return runner.Config{
		RingSize:               c.FrameRing,
		PushBufferSize:         c.PushBufferSize,
		PipelineCacheLimit:     c.PipelineCacheLimit,
		DescriptorPoolSize:     c.DescriptorPoolSize,
		DescriptorWipeInterval: c.DescriptorWipeInterval,
		Debug:                  c.Debug,
		OnOutOfMemory:          onOOM,
	}
}
