package bus

import "time"

// Channel identifies one logical event stream as a (topic, key) pair.
// Keys scope a topic to one entity, e.g. a session id, or "global" for
// singleton streams.
type Channel struct {
	Topic string
	Key   string
}

func (c Channel) String() string {
	return c.Topic + "/" + c.Key
}

// Event is one published value on a channel. Sequence numbers are assigned
// from a single counter per bus instance, so they form a total order across
// every channel of that bus and give subscribers a cheap staleness check.
type Event struct {
	Topic     string    `json:"topic"`
	Key       string    `json:"key"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Channel returns the event's channel identity.
func (e Event) Channel() Channel {
	return Channel{Topic: e.Topic, Key: e.Key}
}
