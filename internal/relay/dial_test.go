package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialMemory(t *testing.T) {
	tr, err := Dial(context.Background(), DialConfig{Driver: "memory"}, nil)
	require.NoError(t, err)
	defer tr.Close()
	assert.IsType(t, &MemoryTransport{}, tr)
}

func TestDialUnknownDriver(t *testing.T) {
	_, err := Dial(context.Background(), DialConfig{Driver: "kafka"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "kafka"`)
}
