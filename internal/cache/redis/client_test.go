package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNamespacing(t *testing.T) {
	c := &Client{prefix: prefixOrDefault("")}
	assert.Equal(t, "budget_chat:embedding:hash-v1-256:abc", c.key("embedding", "hash-v1-256:abc"))
	assert.Equal(t, "budget_chat:summary:*", c.key("summary", "*"))

	c = &Client{prefix: prefixOrDefault("staging")}
	assert.Equal(t, "staging:summary:2024-25", c.key("summary", "2024-25"))
}
