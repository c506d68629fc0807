package influxdb

import (
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
)

func TestResourceValuePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		sample   ResourceValue
		wantTags map[string]string
	}{
		{
			name:     "owner tagged",
			sample:   ResourceValue{Path: "kitchen/temperature", Type: "Float", Owner: "knx", Value: 21.5, Time: ts},
			wantTags: map[string]string{"path": "kitchen/temperature", "type": "Float", "owner": "knx"},
		},
		{
			name:     "no owner",
			sample:   ResourceValue{Path: "hall/level", Type: "Integer", Value: 3, Time: ts},
			wantTags: map[string]string{"path": "hall/level", "type": "Integer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.sample.point()
			if p.Name() != MeasurementResourceValues {
				t.Errorf("measurement = %q, want %q", p.Name(), MeasurementResourceValues)
			}
			if !p.Time().Equal(ts) {
				t.Errorf("time = %v, want %v", p.Time(), ts)
			}
			got := make(map[string]string)
			for _, tag := range p.TagList() {
				got[tag.Key] = tag.Value
			}
			if len(got) != len(tt.wantTags) {
				t.Errorf("tags = %v, want %v", got, tt.wantTags)
			}
			for k, v := range tt.wantTags {
				if got[k] != v {
					t.Errorf("tag %s = %q, want %q", k, got[k], v)
				}
			}
			fields := p.FieldList()
			if len(fields) != 1 || fields[0].Key != "value" || fields[0].Value != tt.sample.Value {
				t.Errorf("fields = %+v, want value=%v", fields, tt.sample.Value)
			}
		})
	}
}

func TestResourceValuePoint_ZeroTimeIsNow(t *testing.T) {
	before := time.Now()
	p := ResourceValue{Path: "x", Type: "Float", Value: 1}.point()
	if p.Time().Before(before) {
		t.Errorf("time = %v, want at or after %v", p.Time(), before)
	}
}

func TestBatchSettings(t *testing.T) {
	tests := []struct {
		name          string
		batch, flush  int
		wantBatch     uint
		wantFlushMsec uint
	}{
		{"configured", 10, 2, 10, 2000},
		{"defaults", 0, -1, defaultBatchSize, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flush}
			if got := batchSize(cfg); got != tt.wantBatch {
				t.Errorf("batchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := flushIntervalMillis(cfg); got != tt.wantFlushMsec {
				t.Errorf("flushIntervalMillis() = %d, want %d", got, tt.wantFlushMsec)
			}
		})
	}
}
