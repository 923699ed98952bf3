package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilGuard_SeenNeverReportsDuplicate(t *testing.T) {
	var g *Guard

	seen, err := g.Seen(context.Background(), "DEV001", "msg-1")
	require.NoError(t, err)
	require.False(t, seen, "a nil guard must behave as dedupe-disabled, not as always-seen")
}

func TestNilGuard_CloseAndPingAreNoops(t *testing.T) {
	var g *Guard
	require.NoError(t, g.Close())
	require.NoError(t, g.Ping(context.Background()))
}

func TestGuard_EmptyMessageIDNeverFlagsSeen(t *testing.T) {
	g := &Guard{prefix: "iotmw:dedupe", ttl: DefaultTTL}
	seen, err := g.Seen(context.Background(), "DEV001", "")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestOptions_Defaults(t *testing.T) {
	// New() requires a live redis connection to construct a Guard, so
	// this only checks that a zero Options leaves KeyPrefix and TTL
	// unset for New to fill in, and the DefaultTTL value itself.
	opts := Options{}
	require.Equal(t, "", opts.KeyPrefix)
	require.Equal(t, time.Duration(0), opts.TTL)
	require.Equal(t, 10*time.Minute, DefaultTTL)
}
