package tunnelstate

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const probeDialTimeout = time.Second

// StartProber begins periodic liveness checks of the local ports behind
// connected tunnels. A port refusing connections moves the tunnel to
// port_down; it comes back to connected once the port answers again.
func (s *Service) StartProber(interval time.Duration) {
	s.mu.Lock()
	if s.stopProbe != nil || s.closed {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopProbe = stop
	s.mu.Unlock()

	s.probeWG.Add(1)
	go func() {
		defer s.probeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.probeOnce()
			}
		}
	}()
}

func (s *Service) stopProber() {
	s.mu.Lock()
	stop := s.stopProbe
	s.stopProbe = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.probeWG.Wait()
}

// probeOnce dials every probeable tunnel's local port outside the lock,
// then applies the verdicts.
func (s *Service) probeOnce() {
	type target struct {
		name string
		port int
	}
	s.mu.Lock()
	var targets []target
	for name, tun := range s.tunnels {
		if tun.state == StateConnected || tun.state == StatePortDown {
			targets = append(targets, target{name: name, port: tun.cfg.Port})
		}
	}
	s.mu.Unlock()

	for _, probe := range targets {
		up := portAnswers(probe.port)

		s.mu.Lock()
		tun, ok := s.tunnels[probe.name]
		if !ok {
			s.mu.Unlock()
			continue
		}
		switch {
		case tun.state == StateConnected && !up:
			s.transitionLocked(tun, StatePortDown, fmt.Sprintf("local port %d refused connections", probe.port))
		case tun.state == StatePortDown && up:
			s.transitionLocked(tun, StateConnected, "")
		}
		s.mu.Unlock()
	}
}

// portAnswers probes both loopback families and reports whether anything
// accepted.
func portAnswers(port int) bool {
	for _, host := range []string{"127.0.0.1", "::1"} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), probeDialTimeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}
