package parsers

import (
	"regexp"
	"strings"
)

// SocketSummary is the output of `ss -s`.
type SocketSummary struct {
	Total       uint64 `json:"total" yaml:"total"`
	TCPTotal    uint64 `json:"tcp_total" yaml:"tcp_total"`
	Established uint64 `json:"established" yaml:"established"`
	Closed      uint64 `json:"closed" yaml:"closed"`
	Orphaned    uint64 `json:"orphaned" yaml:"orphaned"`
	SynRecv     uint64 `json:"synrecv" yaml:"synrecv"`
	TimeWait    uint64 `json:"timewait" yaml:"timewait"`
	UDP         uint64 `json:"udp" yaml:"udp"`
	RAW         uint64 `json:"raw" yaml:"raw"`
}

var (
	ssTotalRe    = regexp.MustCompile(`(?m)^Total:\s+(\d+)`)
	ssTCPLineRe  = regexp.MustCompile(`(?m)^TCP:\s+(\d+)\s*\(([^)]*)\)`)
	ssTCPFieldRe = regexp.MustCompile(`([a-z]+)[ :]+(\d+)`)
	ssUDPRe      = regexp.MustCompile(`(?m)^UDP\s+(\d+)`)
	ssRAWRe      = regexp.MustCompile(`(?m)^RAW\s+(\d+)`)
)

// ParseSS parses `ss -s`.
func ParseSS(text string) SocketSummary {
	var s SocketSummary
	if m := ssTotalRe.FindStringSubmatch(text); m != nil {
		s.Total, _ = parseUint(m[1])
	}
	if m := ssTCPLineRe.FindStringSubmatch(text); m != nil {
		s.TCPTotal, _ = parseUint(m[1])
		for _, f := range ssTCPFieldRe.FindAllStringSubmatch(m[2], -1) {
			v, _ := parseUint(f[2])
			switch strings.ToLower(f[1]) {
			case "estab":
				s.Established = v
			case "closed":
				s.Closed = v
			case "orphaned":
				s.Orphaned = v
			case "synrecv":
				s.SynRecv = v
			case "timewait":
				s.TimeWait = v
			}
		}
	}
	if m := ssUDPRe.FindStringSubmatch(text); m != nil {
		s.UDP, _ = parseUint(m[1])
	}
	if m := ssRAWRe.FindStringSubmatch(text); m != nil {
		s.RAW, _ = parseUint(m[1])
	}
	return s
}
