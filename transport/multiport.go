package transport

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// PortRange is a parsed "host:port" or "host:minport-maxport" listen
// address, letting a Server bind one Acceptor per port in the range
// instead of exactly one.
type PortRange struct {
	Host    string
	MinPort int
	MaxPort int
}

var portRangeMatcher = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// ParsePortRange parses addr into a PortRange. A bare "host:port"
// yields MinPort == MaxPort.
func ParsePortRange(addr string) (*PortRange, error) {
	matches := portRangeMatcher.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("transport: malformed listen address %q", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if minPort > maxPort || minPort == 0 || maxPort > 65535 {
		return nil, errors.Errorf("transport: invalid port range %d-%d", minPort, maxPort)
	}

	return &PortRange{Host: matches[1], MinPort: minPort, MaxPort: maxPort}, nil
}

// Ports enumerates every port in the range, inclusive.
func (p *PortRange) Ports() []int {
	ports := make([]int, 0, p.MaxPort-p.MinPort+1)
	for port := p.MinPort; port <= p.MaxPort; port++ {
		ports = append(ports, port)
	}
	return ports
}
