package broker

import "strings"

// MatchTopic reports whether a routing key matches an AMQP-style topic pattern.
// Words are separated by '.', '*' matches exactly one word and '#' matches zero
// or more words. An empty pattern matches every key.
func MatchTopic(pattern, key string) bool {
	if pattern == "" || pattern == "#" {
		return true
	}
	var keyWords []string
	if key != "" {
		keyWords = strings.Split(key, ".")
	}
	return matchWords(strings.Split(pattern, "."), keyWords)
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// TopicName joins a channel and a topic into a flat destination name for
// brokers without native topic routing.
func TopicName(channel, topic string) string {
	if topic == "" {
		return channel
	}
	return channel + "." + topic
}
