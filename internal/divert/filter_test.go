package divert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, expr string) *Filter {
	t.Helper()
	f, err := CompileFilter(expr)
	require.NoError(t, err)
	return f
}

func TestCompileFilterSyntaxErrors(t *testing.T) {
	for _, expr := range []string{
		"tcp.DstPort == 80",
		"src",
		"dst port",
		"port abc",
		"port 99999",
		"host nonsense",
		"ip and ip6",
		"host 10.0.0.1 and host 2001:db8::1",
		"frobnicate",
	} {
		_, err := CompileFilter(expr)
		assert.ErrorIs(t, err, ErrFilterSyntax, expr)
	}
}

func TestFilterMatchAll(t *testing.T) {
	for _, expr := range []string{"", "true", "all", "true and true"} {
		f := mustCompile(t, expr)
		assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 1, 2), Address{Direction: DirectionInbound}), expr)
		assert.True(t, f.Match([]byte{0xff}, Address{Direction: DirectionOutbound}), expr)
	}
}

func TestFilterDirection(t *testing.T) {
	f := mustCompile(t, "inbound")
	data := buildTCP4(t, "10.0.0.1", "10.0.0.2", 1, 2)
	assert.True(t, f.Match(data, Address{Direction: DirectionInbound}))
	assert.False(t, f.Match(data, Address{Direction: DirectionOutbound}))
}

func TestFilterProtocolBothFamilies(t *testing.T) {
	f := mustCompile(t, "tcp")
	addr := Address{}
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 1, 2), addr))
	assert.True(t, f.Match(buildTCP6(t, "2001:db8::1", "2001:db8::2", 1, 2), addr))
	assert.False(t, f.Match(buildUDP4(t, "10.0.0.1", "10.0.0.2", 1, 2), addr))
	assert.False(t, f.Match(buildUDP6(t, "2001:db8::1", "2001:db8::2", 1, 2), addr))
}

func TestFilterICMPFamilies(t *testing.T) {
	icmp := mustCompile(t, "icmp")
	icmp6 := mustCompile(t, "icmpv6")
	addr := Address{}

	v4 := buildICMP4(t, "10.0.0.1", "10.0.0.2")
	v6 := buildICMP6(t, "2001:db8::1", "2001:db8::2")
	assert.True(t, icmp.Match(v4, addr))
	assert.False(t, icmp.Match(v6, addr))
	assert.True(t, icmp6.Match(v6, addr))
	assert.False(t, icmp6.Match(v4, addr))
}

func TestFilterDstPort(t *testing.T) {
	f := mustCompile(t, "udp and dst port 53")
	addr := Address{}
	assert.True(t, f.Match(buildUDP4(t, "10.0.0.1", "10.0.0.2", 5353, 53), addr))
	assert.False(t, f.Match(buildUDP4(t, "10.0.0.1", "10.0.0.2", 5353, 54), addr))
	assert.True(t, f.Match(buildUDP6(t, "2001:db8::1", "2001:db8::2", 5353, 53), addr))
	// Same port on the source side must not match a dst condition.
	assert.False(t, f.Match(buildUDP4(t, "10.0.0.1", "10.0.0.2", 53, 6000), addr))
}

func TestFilterEitherPort(t *testing.T) {
	f := mustCompile(t, "tcp and port 80")
	addr := Address{}
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 80, 9000), addr))
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 9000, 80), addr))
	assert.False(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 9000, 9001), addr))
}

func TestFilterHostIPv4(t *testing.T) {
	f := mustCompile(t, "host 10.0.0.9")
	addr := Address{}
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.9", "10.0.0.2", 1, 2), addr))
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.9", 1, 2), addr))
	assert.False(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 1, 2), addr))
	// Family is inferred from the address, so IPv6 frames never match.
	assert.False(t, f.Match(buildTCP6(t, "2001:db8::1", "2001:db8::2", 1, 2), addr))
}

func TestFilterHostIPv6(t *testing.T) {
	f := mustCompile(t, "host 2001:db8::7")
	addr := Address{}
	assert.True(t, f.Match(buildTCP6(t, "2001:db8::7", "2001:db8::2", 1, 2), addr))
	assert.True(t, f.Match(buildTCP6(t, "2001:db8::1", "2001:db8::7", 1, 2), addr))
	assert.False(t, f.Match(buildTCP6(t, "2001:db8::1", "2001:db8::2", 1, 2), addr))
}

func TestFilterSrcDstAddress(t *testing.T) {
	f := mustCompile(t, "src 10.0.0.1 and dst host 10.0.0.2 and port 80")
	addr := Address{}
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 4000, 80), addr))
	assert.False(t, f.Match(buildTCP4(t, "10.0.0.2", "10.0.0.1", 4000, 80), addr))
	assert.False(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 4000, 81), addr))
}

func TestFilterSrcDstIPv6Address(t *testing.T) {
	f := mustCompile(t, "src 2001:db8::1 and dst 2001:db8::2")
	addr := Address{}
	assert.True(t, f.Match(buildUDP6(t, "2001:db8::1", "2001:db8::2", 1, 2), addr))
	assert.False(t, f.Match(buildUDP6(t, "2001:db8::2", "2001:db8::1", 1, 2), addr))
}

func TestFilterDirectionTerm(t *testing.T) {
	_, ok := mustCompile(t, "tcp").DirectionTerm()
	assert.False(t, ok)

	d, ok := mustCompile(t, "outbound and tcp").DirectionTerm()
	require.True(t, ok)
	assert.Equal(t, DirectionOutbound, d)
}

func TestFilterPortImpliesTCPOrUDP(t *testing.T) {
	// An ICMP echo request's type/code bytes read as port 2048 (v4)
	// or 32768 (v6) at the transport offset; a port term without a
	// protocol term must still exclude non-TCP/UDP traffic.
	f := mustCompile(t, "src port 2048")
	assert.False(t, f.Match(buildICMP4(t, "10.0.0.1", "10.0.0.2"), Address{}))
	assert.True(t, f.Match(buildTCP4(t, "10.0.0.1", "10.0.0.2", 2048, 80), Address{}))
	assert.True(t, f.Match(buildUDP4(t, "10.0.0.1", "10.0.0.2", 2048, 53), Address{}))

	f = mustCompile(t, "port 32768")
	assert.False(t, f.Match(buildICMP6(t, "2001:db8::1", "2001:db8::2"), Address{}))
	assert.True(t, f.Match(buildUDP6(t, "2001:db8::1", "2001:db8::2", 32768, 53), Address{}))
}

func TestFilterShortFrameDoesNotMatch(t *testing.T) {
	f := mustCompile(t, "tcp and dst port 80")
	assert.False(t, f.Match([]byte{0x45, 0x00}, Address{}))
	assert.False(t, f.Match(nil, Address{}))
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("outbound and tcp and dst port 80"))
	assert.ErrorIs(t, ValidateFilter("outbound and bogus"), ErrFilterSyntax)
}
