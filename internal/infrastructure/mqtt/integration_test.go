//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// Integration tests need a running broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "resdb-integration-test"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := client.Topics()
	received := make(chan string, 1)
	var once sync.Once
	err = client.Subscribe(topics.AllResourceSets(), 1, func(topic string, payload []byte) error {
		if path, ok := topics.PathFromSetTopic(topic); ok {
			once.Do(func() { received <- path + "=" + string(payload) })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish(topics.ResourceSet("kitchen/temperature"), []byte("21.5"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "kitchen/temperature=21.5" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestIntegration_ReconnectRestoresSubscriptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "resdb-integration-reconnect"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	reconnected := make(chan struct{}, 1)
	client.SetOnConnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	if err := client.Subscribe(client.Topics().AllResourceSets(), 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	client.handleDisconnect(nil)
	client.handleConnect()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect not called")
	}
	if !client.HasSubscription(client.Topics().AllResourceSets()) {
		t.Error("subscription lost across reconnect")
	}
}
