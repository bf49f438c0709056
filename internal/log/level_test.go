package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		level Level
		ok    bool
	}{
		{"debug", Debug, true},
		{"DEBUG", Debug, true},
		{"Info", Info, true},
		{"warn", Warn, true},
		{"error", Error, true},
		{"trace", Error, false},
		{"", Error, false},
	}

	for _, test := range tests {
		level, ok := ParseLevel(test.input)
		assert.Equal(t, test.level, level, "input: %s", test.input)
		assert.Equal(t, test.ok, ok, "input: %s", test.input)
	}
}

func TestLevelEnables(t *testing.T) {
	assert.True(t, Debug.Enables(Debug))
	assert.True(t, Debug.Enables(Error))
	assert.True(t, Info.Enables(Warn))
	assert.False(t, Info.Enables(Debug))
	assert.True(t, Error.Enables(Error))
	assert.False(t, Error.Enables(Warn))
}
