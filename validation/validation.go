package validation

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// MaxLabelLength is the RFC 1123 cap on a single DNS label.
	MaxLabelLength = 63

	MinPort = 1
	MaxPort = 65535
)

var supportedProtocol = [2]string{"http", "https"}

// ValidatePort checks that port is usable as a local TCP origin port.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("Port %d is outside the valid range %d-%d", port, MinPort, MaxPort)
	}
	return nil
}

// ValidateLabel checks a single DNS label against the RFC 1123 rules this tool
// accepts for tunnel names and subdomains: lower-case letters, digits and
// hyphens, no leading or trailing hyphen, at most 63 characters.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("Name should not be empty")
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("Name %q is longer than %d characters", label, MaxLabelLength)
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return fmt.Errorf("Name %q cannot start or end with a hyphen", label)
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("Name %q may only contain lower-case letters, digits and hyphens", label)
		}
	}
	return nil
}

// ValidateTunnelName applies the label rules to a tunnel name.
func ValidateTunnelName(name string) error {
	if err := ValidateLabel(name); err != nil {
		return err
	}
	return nil
}

// ValidateSubdomain accepts one or more dot-separated labels.
func ValidateSubdomain(subdomain string) error {
	if subdomain == "" {
		return fmt.Errorf("Subdomain should not be empty")
	}
	for _, label := range strings.Split(subdomain, ".") {
		if err := ValidateLabel(label); err != nil {
			return err
		}
	}
	return nil
}

// ValidateZone normalizes a zone apex to its ASCII form and checks it looks
// like a registrable domain (at least two labels).
func ValidateZone(zone string) (string, error) {
	if zone == "" {
		return "", fmt.Errorf("Zone should not be empty")
	}
	asciiZone, err := idna.ToASCII(strings.ToLower(strings.TrimSuffix(zone, ".")))
	if err != nil {
		return "", fmt.Errorf("Zone %s has invalid ASCII encoding %s", zone, asciiZone)
	}
	if !strings.Contains(asciiZone, ".") {
		return "", fmt.Errorf("Zone %s is not a registrable domain", zone)
	}
	for _, label := range strings.Split(asciiZone, ".") {
		if label == "" || len(label) > MaxLabelLength {
			return "", fmt.Errorf("Zone %s has an invalid label %q", zone, label)
		}
	}
	return asciiZone, nil
}

// ValidateProtocol checks the origin protocol against the supported set.
func ValidateProtocol(protocol string) error {
	for _, supported := range supportedProtocol {
		if protocol == supported {
			return nil
		}
	}
	return fmt.Errorf("Protocol %q is not supported, use one of %v", protocol, supportedProtocol)
}

// JoinHostname composes the public hostname from a subdomain and a zone apex.
func JoinHostname(subdomain, zone string) string {
	return subdomain + "." + strings.TrimSuffix(zone, ".")
}
