package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

func TestCodecsPreserveEnvelope(t *testing.T) {
	env, err := protocol.NewEnvelope(protocol.TypeApprovalRequest, protocol.SourceMCP, "backend",
		protocol.RequestPayload{TicketID: "approval-abc123", Kind: protocol.KindApproval, Description: "Refund $150 to cust-9"},
		time.UnixMilli(1767225600000))
	require.NoError(t, err)
	env.Component = "approvals"

	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			data, err := codec.Encode(env)
			require.NoError(t, err)
			got, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, env.ID, got.ID)
			assert.Equal(t, env.Type, got.Type)
			assert.Equal(t, env.Timestamp, got.Timestamp)
			assert.Equal(t, env.Source, got.Source)
			assert.Equal(t, "approvals", got.Component)

			var p protocol.RequestPayload
			require.NoError(t, got.DecodePayload(&p))
			assert.Equal(t, "Refund $150 to cust-9", p.Description)
			assert.Equal(t, protocol.KindApproval, p.Kind)
		})
	}
}

func TestCodecRejectsMalformed(t *testing.T) {
	cb, err := NewCBORCodec()
	require.NoError(t, err)

	_, err = JSONCodec{}.Decode([]byte(`{"type":"approval_request"}`))
	assert.Error(t, err, "missing id")
	_, err = JSONCodec{}.Decode([]byte(`[1,2`))
	assert.Error(t, err)
	_, err = cb.Decode([]byte{0xff, 0x00})
	assert.Error(t, err)

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestChannelsFor(t *testing.T) {
	ch := DefaultChannels()
	got, err := ch.For(protocol.TypeJobRequest)
	require.NoError(t, err)
	assert.Equal(t, "code_interpreter:actions", got)

	_, err = ch.For("unknown")
	assert.Error(t, err)
}

func TestPublisherRejectsUnroutableType(t *testing.T) {
	p := NewPublisher(NewMemoryTransport(), nil, DefaultChannels())
	err := p.Publish(t.Context(), protocol.Envelope{ID: "e1", Type: "mystery"})
	assert.Error(t, err)
}
