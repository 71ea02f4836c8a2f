package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrNoPortsAvailable is returned when every RTP port in the configured
// range is in use.
var ErrNoPortsAvailable = errors.New("no rtp ports available")

// Endpoint is the media anchor for one call: an RTP socket on an even
// port and its RTCP companion on the next odd port. The RTP socket is
// shared by the prompt player (writes) and the tone collector (reads).
type Endpoint struct {
	ID     string
	CallID string
	RTP    *net.UDPConn
	RTCP   *net.UDPConn
	Port   int
}

// LocalRTPPort returns the bound RTP port.
func (e *Endpoint) LocalRTPPort() int {
	return e.Port
}

// EndpointManager allocates media endpoints from a configured RTP port
// range. RTP ports are even with RTCP on port+1, so the range is scanned
// in steps of two.
type EndpointManager struct {
	minPort int
	maxPort int
	logger  *slog.Logger

	mu        sync.Mutex
	inUse     map[int]struct{}
	endpoints map[string]*Endpoint
	next      int
}

// NewEndpointManager creates a manager that allocates from [minPort,
// maxPort]. minPort must be even and the range must hold at least one
// RTP/RTCP pair.
func NewEndpointManager(minPort, maxPort int, logger *slog.Logger) (*EndpointManager, error) {
	if minPort%2 != 0 {
		return nil, fmt.Errorf("rtp port range must start on an even port, got %d", minPort)
	}
	if maxPort < minPort+1 {
		return nil, fmt.Errorf("rtp port range [%d, %d] too small for an rtp/rtcp pair", minPort, maxPort)
	}
	return &EndpointManager{
		minPort:   minPort,
		maxPort:   maxPort,
		logger:    logger.With("subsystem", "media-endpoints"),
		inUse:     make(map[int]struct{}),
		endpoints: make(map[string]*Endpoint),
		next:      minPort,
	}, nil
}

// Allocate binds an RTP/RTCP socket pair for the given call and returns
// the endpoint. Returns ErrNoPortsAvailable when the range is exhausted.
func (m *EndpointManager) Allocate(callID string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairs := (m.maxPort - m.minPort + 1) / 2
	port := m.next

	for i := 0; i < pairs; i++ {
		if port+1 > m.maxPort {
			port = m.minPort
		}
		if _, taken := m.inUse[port]; taken {
			port += 2
			continue
		}

		rtp, rtcp, err := bindPair(port)
		if err != nil {
			// Something outside our pool holds the port. Skip it.
			m.logger.Debug("rtp port bind failed", "port", port, "error", err)
			port += 2
			continue
		}

		ep := &Endpoint{
			ID:     uuid.NewString(),
			CallID: callID,
			RTP:    rtp,
			RTCP:   rtcp,
			Port:   port,
		}
		m.inUse[port] = struct{}{}
		m.endpoints[ep.ID] = ep
		m.next = port + 2

		m.logger.Debug("allocated media endpoint",
			"endpoint_id", ep.ID,
			"call_id", callID,
			"rtp_port", port,
		)
		return ep, nil
	}

	return nil, ErrNoPortsAvailable
}

// bindPair binds UDP sockets on port (RTP) and port+1 (RTCP).
func bindPair(port int) (rtp, rtcp *net.UDPConn, err error) {
	rtp, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, nil, fmt.Errorf("binding rtp port %d: %w", port, err)
	}
	rtcp, err = net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
	if err != nil {
		rtp.Close()
		return nil, nil, fmt.Errorf("binding rtcp port %d: %w", port+1, err)
	}
	return rtp, rtcp, nil
}

// Release closes the endpoint's sockets and returns its ports to the
// pool. Releasing an unknown endpoint is a no-op.
func (m *EndpointManager) Release(ep *Endpoint) {
	if ep == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[ep.ID]; !ok {
		return
	}
	delete(m.endpoints, ep.ID)
	delete(m.inUse, ep.Port)

	ep.RTP.Close()
	ep.RTCP.Close()

	m.logger.Debug("released media endpoint",
		"endpoint_id", ep.ID,
		"call_id", ep.CallID,
		"rtp_port", ep.Port,
	)
}

// Count returns the number of endpoints currently allocated.
func (m *EndpointManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

// Close releases every allocated endpoint. Used during shutdown.
func (m *EndpointManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ep := range m.endpoints {
		ep.RTP.Close()
		ep.RTCP.Close()
		delete(m.endpoints, id)
		delete(m.inUse, ep.Port)
	}
}
