package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementResourceValues is the measurement numeric resource values are
// written to.
const MeasurementResourceValues = "resource_values"

// ResourceValue is one recorded sample of a resource.
type ResourceValue struct {
	Path  string
	Type  string
	Owner string
	Value float64
	Time  time.Time
}

// point tags the sample by path, type and owner. The sample itself is the
// "value" field; a zero time means now.
func (v ResourceValue) point() *write.Point {
	tags := map[string]string{
		"path": v.Path,
		"type": v.Type,
	}
	if v.Owner != "" {
		tags["owner"] = v.Owner
	}
	ts := v.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementResourceValues, tags, map[string]any{"value": v.Value}, ts)
}

// WriteResourceValue queues one sample without blocking. Samples written
// after Close are dropped.
func (c *Client) WriteResourceValue(v ResourceValue) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(v.point())
	c.queued.Add(1)
}
