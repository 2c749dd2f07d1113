package service

import "sync"

// DataSourceState is DataSourceInstance's lifecycle (spec.md §3).
type DataSourceState int

const (
	DataSourceConfigured DataSourceState = iota
	DataSourceStarting
	DataSourceStarted
	DataSourceStopping
	DataSourceStopped
)

func (s DataSourceState) String() string {
	switch s {
	case DataSourceConfigured:
		return "CONFIGURED"
	case DataSourceStarting:
		return "STARTING"
	case DataSourceStarted:
		return "STARTED"
	case DataSourceStopping:
		return "STOPPING"
	case DataSourceStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DataSourceInstance is one producer's instantiation of a data source
// for one TracingSession (spec.md §3).
type DataSourceInstance struct {
	ID         DataSourceInstanceID
	ProducerID ProducerID
	SessionID  TracingSessionID

	Config       DataSourceConfig
	TargetBuffer BufferID

	descriptor DataSourceDescriptor

	mu    sync.Mutex
	state DataSourceState
}

func newDataSourceInstance(id DataSourceInstanceID, producerID ProducerID, sessionID TracingSessionID, cfg DataSourceConfig, target BufferID, desc DataSourceDescriptor) *DataSourceInstance {
	return &DataSourceInstance{
		ID:           id,
		ProducerID:   producerID,
		SessionID:    sessionID,
		Config:       cfg,
		TargetBuffer: target,
		descriptor:   desc,
		state:        DataSourceConfigured,
	}
}

func (d *DataSourceInstance) State() DataSourceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataSourceInstance) setState(s DataSourceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// WillNotifyOnStart reports whether the service should wait for an
// explicit NotifyDataSourceStarted before considering this instance
// STARTED (spec.md §3's will_notify_on_start capability flag).
func (d *DataSourceInstance) WillNotifyOnStart() bool { return d.descriptor.WillNotifyOnStart }

// WillNotifyOnStop is the StopDataSource analogue of WillNotifyOnStart.
func (d *DataSourceInstance) WillNotifyOnStop() bool { return d.descriptor.WillNotifyOnStop }

// NoFlush reports whether this instance should be excluded from Flush
// fan-out (spec.md §4.4.3 step 1).
func (d *DataSourceInstance) NoFlush() bool { return d.descriptor.NoFlush }
