package felis

import "time"

// Config holds the worker geometry, placement toggles and priority
// transaction parameters resolved at server construction.
type Config struct {
	nrThreads    int
	coreShifting int

	enablePartition bool
	warehousePin    bool

	readBit          bool
	txnQueueLength   int
	slotPercentage   int
	backoffDistance  uint32
	nrPriorityTxn    int
	intervalPriority time.Duration
	incomingRate     int

	outputDir string
}

// defaultConfig mirrors the values a freshly started core would use absent
// any explicit workload tuning.
func defaultConfig() Config {
	return Config{
		nrThreads:        1,
		coreShifting:     0,
		enablePartition:  false,
		warehousePin:     false,
		readBit:          false,
		txnQueueLength:   4096,
		slotPercentage:   0,
		backoffDistance:  0,
		nrPriorityTxn:    0,
		intervalPriority: 0,
		incomingRate:     0,
		outputDir:        ".",
	}
}

// Option configures a Config. Mirrors the functional-options shape used
// throughout this codebase's ambient infrastructure.
type Option interface {
	applyConfig(*Config) error
}

type optionImpl struct {
	apply func(*Config) error
}

func (o *optionImpl) applyConfig(cfg *Config) error {
	return o.apply(cfg)
}

// WithThreads sets the number of worker cores (kNrThreads).
func WithThreads(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		if n <= 0 {
			return &ConfigError{Field: "nrThreads", Message: "must be positive"}
		}
		cfg.nrThreads = n
		return nil
	}}
}

// WithCoreShifting sets the core index offset applied when pinning worker
// threads to physical cores (kCoreShifting).
func WithCoreShifting(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.coreShifting = n
		return nil
	}}
}

// WithPartitioning toggles partition-aware placement (kEnablePartition).
func WithPartitioning(enabled bool) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.enablePartition = enabled
		return nil
	}}
}

// WithWarehousePin toggles warehouse-affinity placement (kWarehousePin).
func WithWarehousePin(enabled bool) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.warehousePin = enabled
		return nil
	}}
}

// WithReadBit enables the per-slot read-bit hazard check used by the
// priority admission protocol (kReadBit).
func WithReadBit(enabled bool) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.readBit = enabled
		return nil
	}}
}

// WithTxnQueueLength sets the transaction queue length (kTxnQueueLength).
// The value is only stored in Config: the dispatcher's per-core pending
// ring has the fixed size routineRingSize and spills into an unbounded
// overflow list, whatever this is set to.
func WithTxnQueueLength(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		if n <= 0 {
			return &ConfigError{Field: "txnQueueLength", Message: "must be positive"}
		}
		cfg.txnQueueLength = n
		return nil
	}}
}

// WithSlotPercentage sets the percentage of the sequence space reserved
// for priority transactions (kSlotPercentage), in [0, 100).
func WithSlotPercentage(pct int) Option {
	return &optionImpl{func(cfg *Config) error {
		if pct < 0 || pct >= 100 {
			return &ConfigError{Field: "slotPercentage", Message: "must be in [0, 100)"}
		}
		cfg.slotPercentage = pct
		return nil
	}}
}

// WithBackoffDistance sets the minimum distance ahead of max progress a
// priority transaction's SID must land (kBackoffDist).
func WithBackoffDistance(d uint32) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.backoffDistance = d
		return nil
	}}
}

// WithPriorityTxnCount sets the number of priority transactions to admit
// over the run (kNrPriorityTxn).
func WithPriorityTxnCount(n int) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.nrPriorityTxn = n
		return nil
	}}
}

// WithPriorityInterval sets the fixed interval between priority
// transaction admission attempts (kIntervalPriorityTxn).
func WithPriorityInterval(d time.Duration) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.intervalPriority = d
		return nil
	}}
}

// WithIncomingRate sets the maximum number of priority transactions
// admitted per second, gating Init attempts before they consume a slot
// (kIncomingRate). Zero disables the gate.
func WithIncomingRate(perSecond int) Option {
	return &optionImpl{func(cfg *Config) error {
		if perSecond < 0 {
			return &ConfigError{Field: "incomingRate", Message: "must not be negative"}
		}
		cfg.incomingRate = perSecond
		return nil
	}}
}

// WithOutputDir sets the directory JSON reports are written to
// (kOutputDir).
func WithOutputDir(dir string) Option {
	return &optionImpl{func(cfg *Config) error {
		cfg.outputDir = dir
		return nil
	}}
}

// resolveConfig applies options over defaultConfig, returning a
// ConfigError for the first invalid option encountered.
func resolveConfig(opts []Option) (Config, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.applyConfig(&cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.slotPercentage > 0 && cfg.nrPriorityTxn == 0 {
		// slot reservation with nothing to admit is not itself an error:
		// slots simply go unused. No contradiction to reject here.
	}
	return cfg, nil
}

// slotWidth returns k, the width of the reserved-slot stride: every k-th
// sequence number is reserved for priority use. A zero slotPercentage
// disables priority slot reservation (k == 0 means "no slots reserved").
func (c Config) slotWidth() uint32 {
	if c.slotPercentage <= 0 {
		return 0
	}
	return uint32(100/c.slotPercentage + 1)
}
