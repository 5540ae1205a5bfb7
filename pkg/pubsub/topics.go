package pubsub

// DeadLetterSuffix is appended to a topic name to form its dead-letter topic.
const DeadLetterSuffix = ".dead-letter"

// Attribute keys set by the delivery layer.
const (
	AttrOriginalTopic    = "original_topic"
	AttrDeadLetterReason = "dead_letter_reason"
)

// DeadLetterTopic returns the topic that receives envelopes of topic whose
// delivery attempts are exhausted.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}
