package resource

// Metrics receives store counters. Implemented by metrics.Collector.
type Metrics interface {
	NodesCreated(n int)
	NodesDeleted(n int)
	LiveNodes(n int)
	ValueWritten()
	ReferenceLinked()
	EventsDelivered(n int)
	EventsDropped(n int)
}

type noopMetrics struct{}

func (noopMetrics) NodesCreated(int)    {}
func (noopMetrics) NodesDeleted(int)    {}
func (noopMetrics) LiveNodes(int)       {}
func (noopMetrics) ValueWritten()       {}
func (noopMetrics) ReferenceLinked()    {}
func (noopMetrics) EventsDelivered(int) {}
func (noopMetrics) EventsDropped(int)   {}
