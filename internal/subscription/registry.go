package subscription

import (
	"regexp"
	"sort"
	"sync"
)

// namespaced matches "<namespace>:<value>" topics.
var namespaced = regexp.MustCompile(`^(\w+):(.+?)$`)

// IsNamespaced reports whether topic already carries a namespace.
func IsNamespaced(topic string) bool {
	return namespaced.MatchString(topic)
}

// Normalize scopes a bare topic suffix to the given user. Namespaced topics are
// returned unchanged, so Normalize is idempotent.
func Normalize(topic, userID string) string {
	if IsNamespaced(topic) {
		return topic
	}
	if len(topic) > 0 && topic[0] == '/' {
		topic = topic[1:]
	}
	return "user:" + userID + "/" + topic
}

// Registry tracks reference counts for active topics.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
	seen   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counts: make(map[string]int),
		seen:   make(map[string]struct{}),
	}
}

// Increment adds a reference to topic and returns the new count.
func (r *Registry) Increment(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[topic]++
	r.seen[topic] = struct{}{}
	return r.counts[topic]
}

// Decrement drops a reference to topic and returns the new count. The count never
// goes below zero; a topic reaching zero is pruned.
func (r *Registry) Decrement(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.counts[topic]
	if count <= 1 {
		delete(r.counts, topic)
		return 0
	}
	r.counts[topic] = count - 1
	return count - 1
}

// Count returns the current reference count for topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[topic]
}

// Seen reports whether topic was subscribed at least once since the last Reset.
func (r *Registry) Seen(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[topic]
	return ok
}

// ActiveTopics returns the topics with a positive count, sorted.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	topics := make([]string, 0, len(r.counts))
	for topic := range r.counts {
		topics = append(topics, topic)
	}
	r.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// Len returns the number of active topics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

// Reset forgets every topic.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counts = make(map[string]int)
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}
