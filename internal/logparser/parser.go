// Package logparser turns OPNsense filterlog lines into connection events.
package logparser

import (
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/util"
)

// Field offsets shared by both address families.
const (
	fieldRuleNr    = 0
	fieldInterface = 4
	fieldAction    = 6
	fieldIPVersion = 8
)

// layout describes where the protocol, addresses and ports live for one IP version.
type layout struct {
	protoNum  int
	protoName int
	src       int
	dst       int
	srcPort   int
	dstPort   int
	minFields int // without ports
}

var (
	layoutV4 = layout{protoNum: 15, protoName: 16, src: 18, dst: 19, srcPort: 20, dstPort: 21, minFields: 20}
	layoutV6 = layout{protoNum: 13, protoName: 12, src: 15, dst: 16, srcPort: 17, dstPort: 18, minFields: 17}
)

var protocolNames = map[int]string{
	1:  "icmp",
	2:  "igmp",
	6:  "tcp",
	17: "udp",
	58: "ipv6-icmp",
}

var reservedV4 = netip.MustParsePrefix("240.0.0.0/4")

// Options configures a Parser.
type Options struct {
	LocalSubnets    []netip.Prefix
	IgnoreProtocols []string
	IgnoreBlocked   bool
}

// Parser is safe for concurrent use; it holds only immutable settings.
type Parser struct {
	local         []netip.Prefix
	ignore        map[string]struct{}
	ignoreBlocked bool
	now           func() time.Time
}

// NewParser creates a parser from explicit options.
func NewParser(opts Options) *Parser {
	ignore := make(map[string]struct{}, len(opts.IgnoreProtocols))
	for _, p := range opts.IgnoreProtocols {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			ignore[p] = struct{}{}
		}
	}
	return &Parser{
		local:         opts.LocalSubnets,
		ignore:        ignore,
		ignoreBlocked: opts.IgnoreBlocked,
		now:           time.Now,
	}
}

// New creates a parser from configuration. Invalid subnets are logged and skipped.
func New(cfg *util.Config) *Parser {
	var local []netip.Prefix
	for _, s := range cfg.LANSubnets {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			util.Warn("Invalid LAN subnet %q: %v", s, err)
			continue
		}
		local = append(local, p.Masked())
	}

	if cfg.AutoDetectLocalSubnets {
		detected, err := DetectLocalSubnets()
		if err != nil {
			util.Warn("Local subnet detection failed: %v", err)
		} else {
			local = mergePrefixes(local, detected)
		}
	}

	return NewParser(Options{
		LocalSubnets:    local,
		IgnoreProtocols: cfg.IgnoreProtocols,
		IgnoreBlocked:   cfg.IgnoreBlocked,
	})
}

// LocalSubnets returns the subnets treated as internal.
func (p *Parser) LocalSubnets() []netip.Prefix {
	return p.local
}

// Parse returns the event for an external to internal record, or false when
// the line is malformed or not relevant.
func (p *Parser) Parse(line string) (*model.ConnectionEvent, bool) {
	if !strings.Contains(line, "filterlog") {
		return nil, false
	}
	header, csv, ok := splitRecord(line)
	if !ok {
		return nil, false
	}

	fields := strings.Split(strings.TrimSpace(csv), ",")
	if len(fields) <= fieldIPVersion {
		return nil, false
	}

	var lay layout
	version, _ := strconv.Atoi(field(fields, fieldIPVersion))
	switch version {
	case 4:
		lay = layoutV4
	case 6:
		lay = layoutV6
	default:
		return nil, false
	}

	action := strings.ToLower(field(fields, fieldAction))
	if p.ignoreBlocked && action == "block" {
		return nil, false
	}

	if len(fields) < lay.minFields {
		return nil, false
	}

	proto := protocolName(fields, lay)
	if p.ignored(proto) {
		return nil, false
	}

	hasPorts := proto == "tcp" || proto == "udp"
	if hasPorts && len(fields) < lay.dstPort+1 {
		return nil, false
	}

	src, err := netip.ParseAddr(field(fields, lay.src))
	if err != nil {
		return nil, false
	}
	dst, err := netip.ParseAddr(field(fields, lay.dst))
	if err != nil {
		return nil, false
	}
	src, dst = src.Unmap(), dst.Unmap()

	if !p.IsExternal(src) || !p.IsInternal(dst) {
		return nil, false
	}

	ev := &model.ConnectionEvent{
		ExternalIP: src.String(),
		InternalIP: dst.String(),
		Protocol:   proto,
		Action:     action,
		Interface:  field(fields, fieldInterface),
		RuleNumber: field(fields, fieldRuleNr),
		IPVersion:  version,
		Timestamp:  p.timestamp(header),
	}
	if hasPorts {
		ev.ExternalPort = field(fields, lay.srcPort)
		ev.InternalPort = field(fields, lay.dstPort)
	}
	return ev, true
}

// IsExternal reports whether addr is a routable source outside every local subnet.
func (p *Parser) IsExternal(addr netip.Addr) bool {
	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() {
		return false
	}
	if addr.Is4() && reservedV4.Contains(addr) {
		return false
	}
	return !p.inLocal(addr)
}

// IsInternal reports whether addr is private or inside a local subnet.
func (p *Parser) IsInternal(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return addr.IsPrivate() || p.inLocal(addr)
}

func (p *Parser) inLocal(addr netip.Addr) bool {
	for _, prefix := range p.local {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (p *Parser) ignored(proto string) bool {
	if len(p.ignore) == 0 {
		return false
	}
	if _, ok := p.ignore[proto]; ok {
		return true
	}
	// ICMPv6 is covered by an icmp entry.
	if proto == "ipv6-icmp" {
		_, ok := p.ignore["icmp"]
		return ok
	}
	return false
}

func (p *Parser) timestamp(header string) time.Time {
	for _, tok := range strings.Fields(header) {
		if ts, err := time.Parse(time.RFC3339, tok); err == nil {
			return ts
		}
	}
	return p.now()
}

// splitRecord separates the syslog header from the CSV payload.
func splitRecord(line string) (string, string, bool) {
	if i := strings.Index(line, "] "); i >= 0 {
		return line[:i], line[i+2:], true
	}
	if i := strings.Index(line, "]: "); i >= 0 {
		return line[:i], line[i+3:], true
	}
	return "", "", false
}

func protocolName(fields []string, lay layout) string {
	if n, err := strconv.Atoi(field(fields, lay.protoNum)); err == nil {
		if name, ok := protocolNames[n]; ok {
			return name
		}
	}
	return strings.ToLower(field(fields, lay.protoName))
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func mergePrefixes(a, b []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]struct{}, len(a)+len(b))
	out := make([]netip.Prefix, 0, len(a)+len(b))
	for _, list := range [][]netip.Prefix{a, b} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ConnectionString formats the descriptor stored in a collection window.
func ConnectionString(ev *model.ConnectionEvent) string {
	return joinHostPort(ev.ExternalIP, portOrUnknown(ev.ExternalPort)) +
		" accessing " +
		joinHostPort(ev.InternalIP, portOrUnknown(ev.InternalPort))
}

func joinHostPort(host, port string) string {
	return host + ":" + port
}

func portOrUnknown(port string) string {
	if port == "" {
		return "unknown"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "unknown"
	}
	return port
}

// DestinationPorts extracts the distinct known destination ports from
// connection descriptors, sorted numerically.
func DestinationPorts(conns []string) []string {
	seen := make(map[int]struct{})
	for _, c := range conns {
		i := strings.Index(c, " accessing ")
		if i < 0 {
			continue
		}
		dst := c[i+len(" accessing "):]
		j := strings.LastIndex(dst, ":")
		if j < 0 {
			continue
		}
		if n, err := strconv.Atoi(dst[j+1:]); err == nil {
			seen[n] = struct{}{}
		}
	}

	ports := make([]int, 0, len(seen))
	for n := range seen {
		ports = append(ports, n)
	}
	sort.Ints(ports)

	out := make([]string, len(ports))
	for i, n := range ports {
		out[i] = strconv.Itoa(n)
	}
	return out
}
