// Package config loads controller configuration from YAML and applies the
// built-in defaults for every tunable the storage engine recognizes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Geometry mirrors the media layout for the emulated back-end. A zero
// field keeps the default.
type Geometry struct {
	Channels   int `yaml:"channels"`
	LunsPerCh  int `yaml:"luns_per_ch"`
	BlksPerLun int `yaml:"blks_per_lun"`
	PgsPerBlk  int `yaml:"pgs_per_blk"`
	Planes     int `yaml:"planes"`
	SecsPerPg  int `yaml:"secs_per_pg"`
	PgSize     int `yaml:"pg_size"`
	SecOOBSize int `yaml:"sec_oob_size"`
}

// GC tunes the garbage collector.
type GC struct {
	// Thresd is the free-block ratio below which collection activates
	// for a channel.
	Thresd float64 `yaml:"thresd"`
	// TargetRate is the minimum invalid fraction a victim must exceed.
	TargetRate float64 `yaml:"target_rate"`
	// MaxBlks bounds victims per pass.
	MaxBlks int `yaml:"max_blks"`
	// ParallelCh bounds channels collected concurrently.
	ParallelCh int `yaml:"parallel_ch"`
	// CheckIntervalUS is the controller-thread scan period.
	CheckIntervalUS int `yaml:"check_interval_us"`
}

// Config is the full controller configuration.
type Config struct {
	Geometry Geometry `yaml:"geometry"`
	GC       GC       `yaml:"gc"`

	// Map cache sizing per channel.
	MapBufChPgs int `yaml:"map_buf_ch_pgs"`
	MapBufPgSz  int `yaml:"map_buf_pg_sz"`

	// Host path sizing.
	LBAIOEntries int `yaml:"lba_io_entries"`
	FTLQueues    int `yaml:"ftl_queues"`
	QueueSize    int `yaml:"queue_size"`

	// FlushRetry bounds metadata flush retries before giving up.
	FlushRetry int `yaml:"flush_retry"`

	// CheckpointSpec is a cron expression for periodic metadata flushes;
	// empty disables the scheduler.
	CheckpointSpec string `yaml:"checkpoint_spec"`

	// Listen is the metrics HTTP address used by the CLI.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Geometry: Geometry{
			Channels:   4,
			LunsPerCh:  2,
			BlksPerLun: 64,
			PgsPerBlk:  32,
			Planes:     2,
			SecsPerPg:  4,
			PgSize:     16384,
			SecOOBSize: 16,
		},
		GC: GC{
			Thresd:          0.25,
			TargetRate:      0.3,
			MaxBlks:         50,
			ParallelCh:      3,
			CheckIntervalUS: 10000,
		},
		MapBufChPgs:    10,
		MapBufPgSz:     32 * 1024,
		LBAIOEntries:   64,
		FTLQueues:      8,
		QueueSize:      2048,
		FlushRetry:     3,
		CheckpointSpec: "@every 30s",
		Listen:         ":9111",
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates cross-field constraints.
func (c *Config) Check() error {
	switch {
	case c.GC.Thresd <= 0 || c.GC.Thresd >= 1:
		return fmt.Errorf("config: gc.thresd %v out of (0,1)", c.GC.Thresd)
	case c.GC.TargetRate <= 0 || c.GC.TargetRate > 1:
		return fmt.Errorf("config: gc.target_rate %v out of (0,1]", c.GC.TargetRate)
	case c.GC.MaxBlks < 1 || c.GC.ParallelCh < 1:
		return fmt.Errorf("config: gc limits must be positive")
	case c.MapBufChPgs < 2:
		return fmt.Errorf("config: map_buf_ch_pgs %d below minimum 2", c.MapBufChPgs)
	case c.LBAIOEntries < 1 || c.FTLQueues < 2 || c.QueueSize < 1:
		return fmt.Errorf("config: queue sizing must be positive")
	case c.FlushRetry < 1:
		return fmt.Errorf("config: flush_retry must be positive")
	}
	return nil
}
