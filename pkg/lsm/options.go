package lsm

// Config carries the engine's open-time parameters. BloomFPRate sizes the
// per-run bloom filter (see run.go); it defaults to 0.01 and a negative
// value disables the filter entirely.
type Config struct {
	DataDir             string
	FlushThresholdBytes int64
	BloomFPRate         float64
}

func (c Config) withDefaults() Config {
	if c.FlushThresholdBytes <= 0 {
		c.FlushThresholdBytes = 4 << 20 // 4MiB
	}
	if c.BloomFPRate == 0 {
		c.BloomFPRate = 0.01
	}
	return c
}

// Stats is a point-in-time introspection snapshot over one atomic read of
// the engine state.
type Stats struct {
	ActiveMemtableSize    int64
	ActiveMemtableEntries int64
	Flushing              bool
	RunCount              int
	Compacted             bool
	Closed                bool
}
