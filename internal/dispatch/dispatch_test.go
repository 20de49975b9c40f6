package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/packet"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func synFrame(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 128, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("10.0.0.1").To4(), DstIP: net.ParseIP("10.0.0.2").To4(),
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80, Seq: 100, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp)
}

func dnsFrame(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 128, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("10.0.0.1").To4(), DstIP: net.ParseIP("10.0.0.2").To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload([]byte("query")))
}

func pingFrame(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 128, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.ParseIP("10.0.0.1").To4(), DstIP: net.ParseIP("10.0.0.2").To4(),
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	return serialize(t, ip, icmp)
}

func startLoop(t *testing.T) (*divert.MemoryHandle, context.CancelFunc, chan error) {
	t.Helper()
	h := divert.NewMemoryHandle("true", 0, divert.MemoryOptions{})
	require.NoError(t, h.Open())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- New(h).Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Error("loop did not stop")
		}
	})
	return h, cancel, done
}

func awaitReply(t *testing.T, h *divert.MemoryHandle) *divert.Packet {
	t.Helper()
	select {
	case p := <-h.Injected():
		return p
	case <-time.After(time.Second):
		t.Fatal("no reply injected")
		return nil
	}
}

func TestLoopAnswersTCPWithReset(t *testing.T) {
	h, _, _ := startLoop(t)

	require.True(t, h.Inject(synFrame(t), divert.Address{Direction: divert.DirectionInbound}))
	reply := awaitReply(t, h)

	rp := packet.NewDecoder().Decode(reply.Data)
	require.Equal(t, packet.TransportTCP, rp.Transport)
	assert.True(t, rp.TCP.RST)
	assert.Equal(t, "10.0.0.2", rp.SrcIP().String())
	assert.Equal(t, divert.DirectionOutbound, reply.Addr.Direction)
}

func TestLoopAnswersUDPWithUnreachable(t *testing.T) {
	h, _, _ := startLoop(t)

	require.True(t, h.Inject(dnsFrame(t), divert.Address{Direction: divert.DirectionInbound}))
	reply := awaitReply(t, h)

	rp := packet.NewDecoder().Decode(reply.Data)
	require.Equal(t, packet.TransportICMPv4, rp.Transport)
	assert.Equal(t, uint8(3), rp.ICMPv4.TypeCode.Type())
	assert.Equal(t, uint8(3), rp.ICMPv4.TypeCode.Code())
	assert.Equal(t, divert.DirectionOutbound, reply.Addr.Direction)
}

func TestLoopDropsICMPSilently(t *testing.T) {
	h, _, _ := startLoop(t)

	// The ping draws no reply; the reset that answers the following
	// SYN proves the loop moved past it.
	require.True(t, h.Inject(pingFrame(t), divert.Address{}))
	require.True(t, h.Inject(synFrame(t), divert.Address{}))

	reply := awaitReply(t, h)
	rp := packet.NewDecoder().Decode(reply.Data)
	assert.Equal(t, packet.TransportTCP, rp.Transport)
}

func TestLoopSkipsNonIP(t *testing.T) {
	h, _, _ := startLoop(t)

	require.True(t, h.Inject([]byte{0x00, 0x01, 0x02, 0x03}, divert.Address{}))
	require.True(t, h.Inject(synFrame(t), divert.Address{}))

	reply := awaitReply(t, h)
	rp := packet.NewDecoder().Decode(reply.Data)
	assert.Equal(t, packet.TransportTCP, rp.Transport)
}

func TestLoopStopsOnCancel(t *testing.T) {
	_, cancel, done := startLoop(t)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestLoopStopsOnClosedHandle(t *testing.T) {
	h, _, done := startLoop(t)

	h.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on close")
	}
}
