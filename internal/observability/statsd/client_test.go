package statsd

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  iview.tiler  ": "iview.tiler",
		"..foo..":         "foo",
		".":               "",
		"":                "",
	}
	for input, want := range tests {
		assert.Equal(t, want, sanitizePrefix(input), "sanitizePrefix(%q)", input)
	}
}

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" tiling/queue ": "tiling_queue",
		"tiling..worker": "tiling.worker",
		"multi  space":   "multi__space",
		"a:b|c":          "a_b_c",
		"...":            "",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeMetricName(input), "normalizeMetricName(%q)", input)
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{"env": "prod", "service": "tilerd"}
	local := map[string]string{"result": " success ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,result:success,service:tilerd", formatTags(global, local))
	assert.Empty(t, formatTags(nil, nil))
	assert.Equal(t, "|#collection:a_b_c_d", formatTags(nil, map[string]string{"collection": "a|b,c#d"}))
}

func TestCloneTagsReturnsCopy(t *testing.T) {
	t.Parallel()

	original := map[string]string{"env": "prod", "": "ignored"}
	cloned := cloneTags(original)
	cloned["env"] = "stage"

	assert.Equal(t, "prod", original["env"])
	assert.NotContains(t, cloned, "")
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2*maxPacketSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestClient_BatchesLinesUntilFlush(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       server.LocalAddr().String(),
		Prefix:        "iview",
		GlobalTags:    map[string]string{"service": "tilerd"},
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.True(t, client.Enabled())

	client.Count("tiling.jobs", 2, map[string]string{"transition": "enqueue"})
	client.Gauge("tiling.master.active_workers", 1.5, nil)
	client.Timing("tiling.worker.duration", 1500*time.Microsecond, nil)
	client.Flush()

	lines := strings.Split(readPacket(t, server), "\n")
	assert.Equal(t, []string{
		"iview.tiling.jobs:2|c|#service:tilerd,transition:enqueue",
		"iview.tiling.master.active_workers:1.5|g|#service:tilerd",
		"iview.tiling.worker.duration:1.5|ms|#service:tilerd",
	}, lines)
}

func TestClient_SplitsOversizedBatches(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	client, err := NewClient(Config{Enabled: true, Address: server.LocalAddr().String(), FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	name := strings.Repeat("m", 600)
	client.Count(name, 1, nil)
	client.Count(name, 2, nil)
	client.Count(name, 3, nil)

	first := readPacket(t, server)
	assert.LessOrEqual(t, len(first), maxPacketSize)
	assert.Equal(t, 2, strings.Count(first, "|c"))

	require.NoError(t, client.Close())
	second := readPacket(t, server)
	assert.Equal(t, name+":3|c", second)
}

func TestClient_FlushLoopSendsPartialBatch(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       server.LocalAddr().String(),
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	client.Count("intake.messages", 1, nil)
	assert.Equal(t, "intake.messages:1|c", readPacket(t, server))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	client, err := NewClient(Config{Enabled: true, Address: server.LocalAddr().String()})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.False(t, client.Enabled())
	require.NoError(t, client.Close())
	client.Count("after.close", 1, nil)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	require.NoError(t, nilClient.Close())
	nilClient.Count("nil", 1, nil)
}

func TestNewClient_DisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	client.Count("dropped", 1, nil)
	require.NoError(t, client.Close())
}

func TestNewClient_DialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.ErrorContains(t, err, "statsd dial")
}
