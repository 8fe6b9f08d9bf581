package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/palemoky/discord-relay/internal/protocol"
	"github.com/palemoky/discord-relay/internal/protocol/codec"
)

func mustDecode(t *testing.T, s string) protocol.Envelope {
	t.Helper()
	env, err := codec.Decode([]byte(s))
	require.NoError(t, err)
	return env
}
