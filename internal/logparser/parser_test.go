package logparser

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/abusewatch/internal/util"
)

const syslogHeader = `<134>1 2024-01-15T10:30:45+00:00 OPNsense.localdomain filterlog 61573 - [meta sequenceId="4"] `

func v4Line(action, protoNum, protoName, src, dst, sport, dport string) string {
	fields := []string{
		"96", "", "", "fae559338f65e11c53669fc3642c93c2", "igb0", "match", action, "in", "4",
		"0x0", "", "64", "12345", "0", "DF", protoNum, protoName, "60", src, dst,
	}
	if sport != "" || dport != "" {
		fields = append(fields, sport, dport, "0", "S", "123456789", "", "64240", "", "mss")
	} else {
		fields = append(fields, "datalength=8")
	}
	return syslogHeader + strings.Join(fields, ",")
}

func v6Line(action, protoName, protoNum, src, dst, sport, dport string) string {
	fields := []string{
		"96", "", "", "fae559338f65e11c53669fc3642c93c2", "igb0", "match", action, "in", "6",
		"0x00", "0x00000", "64", protoName, protoNum, "60", src, dst, sport, dport, "60",
	}
	return syslogHeader + strings.Join(fields, ",")
}

func defaultParser() *Parser {
	return New(util.DefaultConfig())
}

func TestParseAccepts(t *testing.T) {
	p := defaultParser()

	tests := []struct {
		name      string
		line      string
		wantSrc   string
		wantDst   string
		wantSport string
		wantDport string
		wantProto string
		wantConn  string
	}{
		{
			name:      "ipv4 tcp pass",
			line:      v4Line("pass", "6", "tcp", "203.0.113.5", "192.168.1.10", "54321", "443"),
			wantSrc:   "203.0.113.5",
			wantDst:   "192.168.1.10",
			wantSport: "54321",
			wantDport: "443",
			wantProto: "tcp",
			wantConn:  "203.0.113.5:54321 accessing 192.168.1.10:443",
		},
		{
			name:      "ipv4 udp to 10/8",
			line:      v4Line("pass", "17", "udp", "198.51.100.20", "10.1.2.3", "5353", "53"),
			wantSrc:   "198.51.100.20",
			wantDst:   "10.1.2.3",
			wantSport: "5353",
			wantDport: "53",
			wantProto: "udp",
			wantConn:  "198.51.100.20:5353 accessing 10.1.2.3:53",
		},
		{
			name:      "ipv6 udp to ula",
			line:      v6Line("pass", "udp", "17", "2001:db8::5", "fd00::10", "5353", "53"),
			wantSrc:   "2001:db8::5",
			wantDst:   "fd00::10",
			wantSport: "5353",
			wantDport: "53",
			wantProto: "udp",
			wantConn:  "2001:db8::5:5353 accessing fd00::10:53",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := p.Parse(tc.line)
			require.True(t, ok)
			require.NotNil(t, ev)
			assert.Equal(t, tc.wantSrc, ev.ExternalIP)
			assert.Equal(t, tc.wantDst, ev.InternalIP)
			assert.Equal(t, tc.wantSport, ev.ExternalPort)
			assert.Equal(t, tc.wantDport, ev.InternalPort)
			assert.Equal(t, tc.wantProto, ev.Protocol)
			assert.Equal(t, "pass", ev.Action)
			assert.Equal(t, "igb0", ev.Interface)
			assert.Equal(t, tc.wantConn, ConnectionString(ev))
		})
	}
}

func TestParseRejects(t *testing.T) {
	p := defaultParser()

	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"not filterlog", `<134>1 2024-01-15T10:30:45+00:00 OPNsense sshd 123 - [meta] accepted`},
		{"no header marker", "filterlog 96,,,x,igb0,match,pass,in,4"},
		{"too few fields", syslogHeader + "96,,,x,igb0,match,pass,in,4,0x0,,64"},
		{"tcp without ports", syslogHeader + "96,,,x,igb0,match,pass,in,4,0x0,,64,1,0,DF,6,tcp,60,203.0.113.5,192.168.1.10"},
		{"unsupported ip version", strings.Replace(v4Line("pass", "6", "tcp", "203.0.113.5", "192.168.1.10", "1", "2"), ",in,4,", ",in,5,", 1)},
		{"private source", v4Line("pass", "6", "tcp", "10.0.0.5", "192.168.1.10", "1234", "22")},
		{"external destination", v4Line("pass", "6", "tcp", "203.0.113.5", "8.8.8.8", "1234", "443")},
		{"loopback source", v4Line("pass", "6", "tcp", "127.0.0.1", "192.168.1.10", "1234", "22")},
		{"multicast source", v4Line("pass", "17", "udp", "224.0.0.251", "192.168.1.10", "5353", "5353")},
		{"reserved source", v4Line("pass", "6", "tcp", "250.1.1.1", "192.168.1.10", "1234", "22")},
		{"link-local source", v4Line("pass", "6", "tcp", "169.254.10.1", "192.168.1.10", "1234", "22")},
		{"bad source address", v4Line("pass", "6", "tcp", "not-an-ip", "192.168.1.10", "1234", "22")},
		{"blocked ignored", v4Line("block", "6", "tcp", "203.0.113.5", "192.168.1.10", "1234", "22")},
		{"icmp ignored", v4Line("pass", "1", "icmp", "203.0.113.5", "192.168.1.10", "", "")},
		{"icmpv6 ignored", v6Line("pass", "ipv6-icmp", "58", "2001:db8::5", "fd00::10", "", "")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := p.Parse(tc.line)
			assert.False(t, ok)
			assert.Nil(t, ev)
		})
	}
}

func TestParseFilterToggles(t *testing.T) {
	p := NewParser(Options{
		LocalSubnets: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
	})

	ev, ok := p.Parse(v4Line("block", "6", "tcp", "203.0.113.5", "192.168.1.10", "1234", "22"))
	require.True(t, ok)
	assert.Equal(t, "block", ev.Action)

	ev, ok = p.Parse(v4Line("pass", "1", "icmp", "203.0.113.5", "192.168.1.10", "", ""))
	require.True(t, ok)
	assert.Equal(t, "icmp", ev.Protocol)
	assert.Equal(t, "203.0.113.5:unknown accessing 192.168.1.10:unknown", ConnectionString(ev))
}

func TestParseLocalSubnets(t *testing.T) {
	p := NewParser(Options{
		LocalSubnets: []netip.Prefix{
			netip.MustParsePrefix("100.64.0.0/10"),
			netip.MustParsePrefix("198.51.100.0/24"),
		},
	})

	// source inside a local subnet is not external
	_, ok := p.Parse(v4Line("pass", "6", "tcp", "100.64.1.1", "192.168.1.10", "1234", "22"))
	assert.False(t, ok)

	// public destination inside a local subnet counts as internal
	ev, ok := p.Parse(v4Line("pass", "6", "tcp", "203.0.113.5", "198.51.100.7", "1234", "22"))
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", ev.InternalIP)
}

func TestParseTimestamp(t *testing.T) {
	p := defaultParser()
	ev, ok := p.Parse(v4Line("pass", "6", "tcp", "203.0.113.5", "192.168.1.10", "1", "2"))
	require.True(t, ok)
	assert.True(t, ev.Timestamp.Equal(time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)))

	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	line := `Jan 15 10:30:45 fw filterlog[123]: ` + strings.SplitN(v4Line("pass", "6", "tcp", "203.0.113.5", "192.168.1.10", "1", "2"), "] ", 2)[1]
	ev, ok = p.Parse(line)
	require.True(t, ok)
	assert.Equal(t, fixed, ev.Timestamp)
}

func TestInvalidSubnetSkipped(t *testing.T) {
	cfg := util.DefaultConfig()
	cfg.LANSubnets = []string{"bogus", "192.168.0.0/16"}
	p := New(cfg)
	assert.Len(t, p.LocalSubnets(), 1)
}

func TestDestinationPorts(t *testing.T) {
	conns := []string{
		"203.0.113.5:1 accessing 192.168.1.10:443",
		"203.0.113.5:2 accessing 192.168.1.10:22",
		"203.0.113.5:3 accessing 192.168.1.11:443",
		"203.0.113.5:unknown accessing 192.168.1.10:unknown",
		"garbage",
	}
	assert.Equal(t, []string{"22", "443"}, DestinationPorts(conns))
	assert.Empty(t, DestinationPorts(nil))
}
