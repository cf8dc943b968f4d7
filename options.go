package rendercache

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options configures a Manager.
type Options struct {
	// HotBudget, WarmBudget and ColdBudget are the per-tier byte
	// budgets. Usage may transiently exceed a budget by at most one
	// in-flight insertion before the eviction pass completes.
	HotBudget  int64
	WarmBudget int64
	ColdBudget int64

	// ColdDir is the directory backing the cold tier and persisted
	// snapshots.
	ColdDir string

	// ColdCacheSize is the capacity, in objects, of the cold tier's
	// in-memory read cache.
	ColdCacheSize int

	// IdleThreshold is how long a context must be untouched before it
	// becomes a proactive hibernation candidate. The effective
	// threshold shrinks under memory pressure.
	IdleThreshold time.Duration

	// SoftWakeTarget is the soft real-time budget for Wake. Exceeding
	// it raises a degradation event, not an error. Zero disables the
	// check.
	SoftWakeTarget time.Duration

	// MaxStateLen bounds the inflated size of a snapshot state blob,
	// limiting worst-case allocation against malformed snapshots.
	MaxStateLen int64

	// Logger receives structured events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		HotBudget:      64 << 20,
		WarmBudget:     128 << 20,
		ColdBudget:     512 << 20,
		ColdDir:        filepath.Join(os.TempDir(), "rendercache"),
		ColdCacheSize:  128,
		IdleThreshold:  5 * time.Minute,
		SoftWakeTarget: 100 * time.Millisecond,
		MaxStateLen:    1 << 30,
	}
}

// WithBudgets sets the hot, warm and cold tier byte budgets.
func WithBudgets(hot, warm, cold int64) Option {
	return func(o *Options) {
		o.HotBudget = hot
		o.WarmBudget = warm
		o.ColdBudget = cold
	}
}

// WithColdDir sets the directory backing the cold tier.
func WithColdDir(dir string) Option {
	return func(o *Options) { o.ColdDir = dir }
}

// WithColdCacheSize sets the cold tier read cache capacity in objects.
func WithColdCacheSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ColdCacheSize = n
		}
	}
}

// WithIdleThreshold sets how long a context idles before proactive
// hibernation considers it.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *Options) { o.IdleThreshold = d }
}

// WithSoftWakeTarget sets the soft wake latency budget.
func WithSoftWakeTarget(d time.Duration) Option {
	return func(o *Options) { o.SoftWakeTarget = d }
}

// WithMaxStateLen bounds the inflated snapshot state blob size.
func WithMaxStateLen(n int64) Option {
	return func(o *Options) { o.MaxStateLen = n }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}
