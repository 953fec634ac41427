package utils

import "strings"

// GetTopicN returns the n-th slash separated level of an MQTT topic, or ""
// when the topic is shorter.
func GetTopicN(topic string, n int) string {
	return token(topic, "/", n)
}

// GetSubjectN returns the n-th dot separated token of a NATS subject.
func GetSubjectN(subject string, n int) string {
	return token(subject, ".", n)
}

func token(s, sep string, n int) string {
	if n < 0 {
		return ""
	}
	tokens := strings.Split(s, sep)
	if n >= len(tokens) {
		return ""
	}
	return tokens[n]
}
