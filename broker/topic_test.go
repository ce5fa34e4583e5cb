package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"", "anything.at.all", true},
		{"#", "", true},
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.updated", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.*", "orders", false},
		{"orders.#", "orders", true},
		{"orders.#", "orders.created.eu", true},
		{"#.eu", "orders.created.eu", true},
		{"#.eu", "orders.created.us", false},
		{"*.created.#", "orders.created", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c", false},
		{"single", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "orders", TopicName("orders", ""))
	assert.Equal(t, "orders.created", TopicName("orders", "created"))
}
