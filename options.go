package emugpu

import (
	"log/slog"

	"github.com/gogpu/emugpu/texcache"
)

// Option configures an Engine during creation.
//
// Example:
//
//	cfg, _ := emugpu.LoadConfig("emugpu.toml")
//	eng, err := emugpu.New(dev,
//	    emugpu.WithConfig(cfg),
//	    emugpu.WithNoticeHandler(func(n emugpu.Notice) { showToast(n.Message) }),
//	)
type Option func(*options)

// options holds optional configuration for Engine creation.
type options struct {
	cfg    Config
	logger *slog.Logger
	notice func(Notice)
	caches []*texcache.Cache
}

// defaultOptions returns the default engine options.
func defaultOptions() options {
	return options{cfg: DefaultConfig()}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the package logger, as SetLogger does.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithNoticeHandler sets the receiver of user-visible degradation
// notices. It is called on the executor goroutine and must not block.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(o *options) {
		o.notice = fn
	}
}

// WithTextureCache attaches a texture cache created elsewhere. Attached
// caches receive memory-write and device-lost notifications.
func WithTextureCache(c *texcache.Cache) Option {
	return func(o *options) {
		if c != nil {
			o.caches = append(o.caches, c)
		}
	}
}
