package service

import "time"

// FillPolicy controls what a TraceBuffer does once it is full.
type FillPolicy int

const (
	// FillRingBuffer overwrites the oldest pages first (spec.md §3).
	FillRingBuffer FillPolicy = iota
	// FillDiscard drops new writes once the buffer is full instead of
	// overwriting old data. traced implements this as a Non-goal-free
	// extension of the ring: DISCARD buffers never evict, they simply
	// stop accepting CopyChunk once full.
	FillDiscard
)

// BufferConfig describes one TraceConfig.buffers[] entry (spec.md §6.3).
type BufferConfig struct {
	SizeKB           uint32
	FillPolicy       FillPolicy
	TransferOnClone  bool
	ClearBeforeClone bool
}

// DataSourceConfig is the resolved, per-instance configuration handed
// to a producer's DataSourceInstance.
type DataSourceConfig struct {
	Name         string
	TargetBuffer int // index into TraceConfig.Buffers
	// Raw carries any data-source-specific configuration bytes; traced
	// does not interpret them (platform-specific data sources are out
	// of scope, spec.md §1), it only plumbs them through to the
	// producer's SetupDataSource call.
	Raw []byte
}

// DataSourceConfigEntry is one TraceConfig.data_sources[] entry: a
// DataSourceConfig plus the producer filters that select which
// registered data sources it applies to (spec.md §4.4.1).
type DataSourceConfigEntry struct {
	Config                  DataSourceConfig
	ProducerNameFilter      []string
	ProducerNameRegexFilter []string
}

// ProducerConfig is one TraceConfig.producers[] entry: per-producer SMB
// sizing hints (spec.md §6.3).
type ProducerConfig struct {
	ProducerName string
	ShmSizeKB    uint32
	PageSizeKB   uint32
}

// TriggerMode is a trigger rule's effect once admitted (spec.md §4.4.2).
type TriggerMode int

const (
	TriggerModeUnspecified TriggerMode = iota
	TriggerModeStartTracing
	TriggerModeStopTracing
	TriggerModeCloneSnapshot
	// TriggerModeHighPriority is named by spec.md §6.3 but left
	// unsupported per spec.md §9's open question; EnableTracing rejects
	// any TriggerConfig using it (see validateConfig).
	TriggerModeHighPriority
)

// TriggerRule is one TraceConfig.trigger_config.triggers[] entry.
type TriggerRule struct {
	Name              string
	StopDelayMs       uint32
	MaxPer24H         uint32
	SkipProbability   float64
	ProducerNameRegex string
}

// TriggerConfig is TraceConfig.trigger_config (spec.md §6.3).
type TriggerConfig struct {
	TriggerMode    TriggerMode
	TriggerTimeout time.Duration
	Triggers       []TriggerRule
}

// IncrementalStateConfig is TraceConfig.incremental_state_config.
type IncrementalStateConfig struct {
	ClearPeriod time.Duration
}

// StringFilterAction is the redaction policy applied to a matched
// string field (spec.md §4.4.7).
type StringFilterAction int

const (
	StringFilterMatchRedactGroups StringFilterAction = iota
	StringFilterMatchRedactAll
)

// StringFilterRule matches a field path by regex and redacts capture
// groups (or the whole match) with Replacement.
type StringFilterRule struct {
	FieldPath   []int // proto field-number path from TracePacket root
	Pattern     string
	Action      StringFilterAction
	Replacement byte
}

// TraceFilterConfig is TraceConfig.trace_filter (spec.md §4.4.7/§6.3):
// an allowlist of field paths plus an optional string-redaction chain.
type TraceFilterConfig struct {
	// AllowedFields is the set of top-level TracePacket field numbers
	// (tracedpb.Field*) retained in filtered output; every other
	// top-level field is dropped. Empty means "allow everything" (no
	// filter bytecode configured).
	AllowedFields     []int
	StringFilterChain []StringFilterRule
}

// SessionSemaphoreConfig is one TraceConfig.session_semaphores[] entry
// (spec.md §4.4.1 / SPEC_FULL.md §3).
type SessionSemaphoreConfig struct {
	Name                 string
	MaxOtherSessionCount int
}

// LockdownMode is TraceConfig.lockdown_mode (SPEC_FULL.md §3).
type LockdownMode int

const (
	LockdownClear LockdownMode = iota
	LockdownSet
)

// CompressionType is TraceConfig.compression_type. traced models the
// field (spec.md §6.3 names it) but performs no compression itself —
// ReadBuffers/WriteIntoFile always emit uncompressed bytes; a wire
// transport layer is the natural place to apply DEFLATE, and none
// exists in this module (spec.md §1).
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionDeflate
)

// TraceConfig is the full session configuration a consumer passes to
// EnableTracing (spec.md §6.3).
type TraceConfig struct {
	Buffers     []BufferConfig
	DataSources []DataSourceConfigEntry
	Producers   []ProducerConfig

	Duration              time.Duration
	FlushPeriod           time.Duration
	FlushTimeout          time.Duration
	DataSourceStopTimeout time.Duration

	WriteIntoFile    bool
	OutputPath       string
	FileWritePeriod  time.Duration
	MaxFileSizeBytes uint64

	TriggerConfig          *TriggerConfig
	IncrementalStateConfig *IncrementalStateConfig
	TraceFilter            *TraceFilterConfig
	SessionSemaphores      []SessionSemaphoreConfig

	LockdownMode      LockdownMode
	UniqueSessionName string

	TraceUUIDLSB, TraceUUIDMSB uint64

	BugreportScore    int
	BugreportFilename string

	CompressionType CompressionType

	DeferredStart bool
}

// Clone deep-copies cfg so a session can hold its own immutable copy
// independent of whatever the caller does with the original afterwards
// (the same defensive-copy posture ChangeTraceConfig relies on to only
// touch producer filters).
func (cfg *TraceConfig) Clone() *TraceConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Buffers = append([]BufferConfig(nil), cfg.Buffers...)
	out.DataSources = make([]DataSourceConfigEntry, len(cfg.DataSources))
	for i, ds := range cfg.DataSources {
		out.DataSources[i] = DataSourceConfigEntry{
			Config:                  ds.Config,
			ProducerNameFilter:      append([]string(nil), ds.ProducerNameFilter...),
			ProducerNameRegexFilter: append([]string(nil), ds.ProducerNameRegexFilter...),
		}
	}
	out.Producers = append([]ProducerConfig(nil), cfg.Producers...)
	out.SessionSemaphores = append([]SessionSemaphoreConfig(nil), cfg.SessionSemaphores...)
	if cfg.TriggerConfig != nil {
		tc := *cfg.TriggerConfig
		tc.Triggers = append([]TriggerRule(nil), cfg.TriggerConfig.Triggers...)
		out.TriggerConfig = &tc
	}
	if cfg.IncrementalStateConfig != nil {
		ic := *cfg.IncrementalStateConfig
		out.IncrementalStateConfig = &ic
	}
	if cfg.TraceFilter != nil {
		tf := *cfg.TraceFilter
		tf.AllowedFields = append([]int(nil), cfg.TraceFilter.AllowedFields...)
		tf.StringFilterChain = append([]StringFilterRule(nil), cfg.TraceFilter.StringFilterChain...)
		out.TraceFilter = &tf
	}
	return &out
}
