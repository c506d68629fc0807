package mqtt

import (
	"strings"
)

// Topic levels below the root.
const (
	levelResources = "resources"
	levelSet       = "set"
	levelSystem    = "system"

	suffixValue     = "value"
	suffixStructure = "structure"
)

// Topics builds the topic names for one topic root. Resource paths map
// one-to-one onto topic levels:
//
//	topics := mqtt.NewTopics("graylogic")
//	topics.ResourceValue("kitchen/temperature")
//	// Returns: "graylogic/resources/kitchen/temperature/value"
type Topics struct {
	root string
}

// NewTopics returns builders for topics under root. Leading and trailing
// slashes are ignored.
func NewTopics(root string) Topics {
	return Topics{root: strings.Trim(root, "/")}
}

// Root returns the first topic level.
func (t Topics) Root() string { return t.root }

// ResourceValue returns the retained value topic of a resource.
//
// Example: graylogic/resources/kitchen/temperature/value
func (t Topics) ResourceValue(path string) string {
	return t.root + "/" + levelResources + "/" + path + "/" + suffixValue
}

// ResourceStructure returns the topic carrying structure events below a resource.
//
// Example: graylogic/resources/kitchen/structure
func (t Topics) ResourceStructure(path string) string {
	return t.root + "/" + levelResources + "/" + path + "/" + suffixStructure
}

// ResourceSet returns the inbound topic for writing a resource value.
// The path goes last so a single multi-level wildcard covers every resource.
//
// Example: graylogic/set/kitchen/temperature
func (t Topics) ResourceSet(path string) string {
	return t.root + "/" + levelSet + "/" + path
}

// AllResourceSets returns a pattern matching every inbound set topic.
//
// Pattern: graylogic/set/#
func (t Topics) AllResourceSets() string {
	return t.root + "/" + levelSet + "/#"
}

// PathFromSetTopic extracts the resource path from a set topic.
func (t Topics) PathFromSetTopic(topic string) (string, bool) {
	prefix := t.root + "/" + levelSet + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	path := strings.TrimPrefix(topic, prefix)
	if path == "" {
		return "", false
	}
	return path, true
}

// SystemStatus returns the daemon status topic used for the online
// message and the Last Will.
//
// Example: graylogic/system/status
func (t Topics) SystemStatus() string {
	return t.root + "/" + levelSystem + "/status"
}

// All returns a pattern matching every topic under the root.
// Use with caution - this receives ALL traffic.
//
// Pattern: graylogic/#
func (t Topics) All() string {
	return t.root + "/#"
}

// validPublishTopic reports whether topic can be published to. Wildcards
// are only legal in subscriptions.
func validPublishTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}
