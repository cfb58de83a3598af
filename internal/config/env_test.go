package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("AUCTION_TEST_STR", "value")
	t.Setenv("AUCTION_TEST_EMPTY", "")

	assert.Equal(t, "value", GetEnv("AUCTION_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnv("AUCTION_TEST_EMPTY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("AUCTION_TEST_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("AUCTION_TEST_INT", "7")
	t.Setenv("AUCTION_TEST_BAD_INT", "seven")

	assert.Equal(t, 7, GetEnvInt("AUCTION_TEST_INT", 2))
	assert.Equal(t, 2, GetEnvInt("AUCTION_TEST_BAD_INT", 2))
	assert.Equal(t, 2, GetEnvInt("AUCTION_TEST_UNSET", 2))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("AUCTION_TEST_DUR", "250ms")
	t.Setenv("AUCTION_TEST_NEG_DUR", "-1s")

	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("AUCTION_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("AUCTION_TEST_NEG_DUR", time.Second))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("AUCTION_TEST_BOOL", "true")

	assert.True(t, GetEnvBool("AUCTION_TEST_BOOL", false))
	assert.False(t, GetEnvBool("AUCTION_TEST_UNSET", false))
}
