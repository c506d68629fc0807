package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "resdb-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicRoot: "graylogic",
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (m *mockLogger) Error(msg string, _ ...any) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}

func (m *mockLogger) Warn(msg string, _ ...any) {
	m.mu.Lock()
	m.warns = append(m.warns, msg)
	m.mu.Unlock()
}

func TestTopics(t *testing.T) {
	topics := NewTopics("/graylogic/")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"value", topics.ResourceValue("kitchen/temperature"), "graylogic/resources/kitchen/temperature/value"},
		{"structure", topics.ResourceStructure("kitchen"), "graylogic/resources/kitchen/structure"},
		{"set", topics.ResourceSet("kitchen/temperature"), "graylogic/set/kitchen/temperature"},
		{"all sets", topics.AllResourceSets(), "graylogic/set/#"},
		{"status", topics.SystemStatus(), "graylogic/system/status"},
		{"all", topics.All(), "graylogic/#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopics_PathFromSetTopic(t *testing.T) {
	topics := NewTopics("graylogic")

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"graylogic/set/kitchen/temperature", "kitchen/temperature", true},
		{"graylogic/set/kitchen", "kitchen", true},
		{"graylogic/set/", "", false},
		{"graylogic/resources/kitchen/value", "", false},
		{"other/set/kitchen", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := topics.PathFromSetTopic(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("PathFromSetTopic(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	set := topics.ResourceSet("a/b/c")
	if got, ok := topics.PathFromSetTopic(set); !ok || got != "a/b/c" {
		t.Errorf("round trip of %q = %q, %v", set, got, ok)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "resdb", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "resdb-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "resdb" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("AutoReconnect and CleanSession should be set")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS configured without broker.tls")
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS minimum version not set")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, NewTopics("graylogic"), "resdb-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will = enabled %v retained %v qos %d", opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "graylogic/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var status statusPayload
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if status.Status != statusOffline || status.Reason != reasonUnexpected || status.ClientID != "resdb-test" {
		t.Errorf("will payload = %+v", status)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var status statusPayload
	if err := json.Unmarshal(buildStatusPayload("c1", statusOnline, ""), &status); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if status.Status != "online" || status.Reason != "" {
		t.Errorf("payload = %+v", status)
	}
	if _, err := time.Parse(time.RFC3339, status.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", status.Timestamp, err)
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := newClient(testConfig())

	if c.IsConnected() {
		t.Fatal("IsConnected() = true before Connect")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish("graylogic/x", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	handler := func(string, []byte) error { return nil }
	if err := c.Subscribe("graylogic/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe("graylogic/#"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription("graylogic/#") {
		t.Error("failed Subscribe left a tracked subscription")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	c := newClient(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := newClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"single-level wildcard", "graylogic/+/value", nil, 1, ErrInvalidTopic},
		{"multi-level wildcard", "graylogic/#", nil, 1, ErrInvalidTopic},
		{"invalid QoS", "graylogic/x", nil, 3, ErrInvalidQoS},
		{"oversized payload", "graylogic/x", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newClient(testConfig())
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("graylogic/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid QoS error = %v", err)
	}
	if err := c.Subscribe("graylogic/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe empty topic error = %v", err)
	}
}

func TestDispatch_RecoversAndLogs(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "graylogic/set/x", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "graylogic/set/x", nil)

	var delivered string
	c.dispatch(func(topic string, payload []byte) error {
		delivered = topic + "=" + string(payload)
		return nil
	}, "graylogic/set/x", []byte("1"))

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors logged = %v, want one panic", logger.errors)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings logged = %v, want one", logger.warns)
	}
	if delivered != "graylogic/set/x=1" {
		t.Errorf("delivered = %q", delivered)
	}
}

func TestDispatch_WithoutLogger(t *testing.T) {
	c := newClient(testConfig())
	// Must not panic without a logger.
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
}
