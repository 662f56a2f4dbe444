package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestParse tests KEY=VALUE message parsing.
func TestParse(t *testing.T) {
	fields := Parse("READY=1\nSTATUS=serving requests\nMAINPID=4242\n\nERRNO=0")
	assert.Equal(t, map[string]string{
		"READY":   "1",
		"STATUS":  "serving requests",
		"MAINPID": "4242",
		"ERRNO":   "0",
	}, fields)
}

func TestParseIgnoresMalformedLines(t *testing.T) {
	fields := Parse("NOEQUALS\nX=1")
	assert.Equal(t, map[string]string{"X": "1"}, fields)
}
