package cfdlog

import (
	"regexp"
	"strconv"
)

// The extractors run over raw lines rather than parsed messages because the
// registration fields live in the key=value section that Parse strips.
var (
	metricsAddrRegex = regexp.MustCompile(`Starting metrics server on ((?:\d{1,3}\.){3}\d{1,3}:\d+)/metrics`)

	// All six fields must be present, in this order.
	registrationRegex = regexp.MustCompile(`connIndex=(\d+)\s+connection=(\S+)\s+event=\S+\s+ip=(\S+)\s+location=(\S+)\s+protocol=(\S+)`)

	quickTunnelRegex = regexp.MustCompile(`https://[a-z]+-[a-z]+-[a-z]+-[a-z]+\.trycloudflare\.com`)
	versionRegex     = regexp.MustCompile(`Version (\S+)`)
	connectorIDRegex = regexp.MustCompile(`Generated Connector ID: (\S+)`)
)

// Registration is the edge connection announcement of a connector. Its
// arrival means the tunnel is serving traffic.
type Registration struct {
	ConnIndex    int
	ConnectionID string
	EdgeIP       string
	Location     string
	Protocol     string
}

// MetricsAddress extracts the address the connector bound its metrics server
// to. Only IPv4 listeners are recognised.
func MetricsAddress(line string) (string, bool) {
	match := metricsAddrRegex.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// ParseRegistration extracts an edge connection registration.
func ParseRegistration(line string) (*Registration, bool) {
	match := registrationRegex.FindStringSubmatch(line)
	if match == nil {
		return nil, false
	}
	connIndex, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, false
	}
	return &Registration{
		ConnIndex:    connIndex,
		ConnectionID: match[2],
		EdgeIP:       match[3],
		Location:     match[4],
		Protocol:     match[5],
	}, true
}

// QuickTunnelURL extracts the ephemeral hostname a quick tunnel was issued.
func QuickTunnelURL(line string) (string, bool) {
	match := quickTunnelRegex.FindString(line)
	if match == "" {
		return "", false
	}
	return match, true
}

// Version extracts the connector build version.
func Version(line string) (string, bool) {
	match := versionRegex.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// ConnectorID extracts the connector's self-assigned identity.
func ConnectorID(line string) (string, bool) {
	match := connectorIDRegex.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	return match[1], true
}
