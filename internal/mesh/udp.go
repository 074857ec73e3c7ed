package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"ramen/internal/logging"
	"ramen/internal/raft"
)

// ErrNotStarted is returned when a network mesh is used before Start
var ErrNotStarted = errors.New("mesh not started")

// readTimeout bounds a single read so the listener notices shutdown
const readTimeout = 100 * time.Millisecond

// datagram is the envelope of every UDP payload
type datagram struct {
	Cluster string      `json:"cluster"`
	From    raft.NodeID `json:"from"`
	Data    []byte      `json:"data"`
	MAC     []byte      `json:"mac"`
}

// UDPMesh carries payloads as signed JSON datagrams. Peers start from the configured seeds and every authenticated
// datagram adds or refreshes its sender, so nodes that were not seeded are learned as soon as they speak.
type UDPMesh struct {
	id     raft.NodeID
	config *Config
	logger logging.Logger
	signer signer
	peers  *PeerTable
	start  time.Time

	conn       *net.UDPConn
	onReceive  ReceiveFunc
	mu         sync.RWMutex
	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	// blocked drops every incoming datagram, used to cut a node off in tests
	blocked bool
}

// NewUDPMesh creates a UDP transport for node id. It does not touch the network until Start.
func NewUDPMesh(id raft.NodeID, config *Config) (*UDPMesh, error) {
	if id == raft.None {
		return nil, fmt.Errorf("node id %d is reserved", raft.None)
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &UDPMesh{
		id:         id,
		config:     config,
		logger:     config.logger(),
		signer:     newSigner(config.ClusterName, config.ClusterSecret),
		peers:      NewPeerTable(id, config.PeerTimeout),
		start:      time.Now(),
		shutdownCh: make(chan struct{}),
	}
	for peer, addr := range config.Seeds {
		m.peers.Add(peer, addr)
	}
	return m, nil
}

// Start begins listening for incoming datagrams
func (m *UDPMesh) Start() error {
	addr, err := net.ResolveUDPAddr("udp", m.config.listenAddr())
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.wg.Add(1)
	go m.listen()

	m.logger.Infof("[MESH-%v] Started UDP mesh %q on %s", m.id, m.config.ClusterName, conn.LocalAddr())
	return nil
}

// Stop shuts the listener down and waits for it to exit. Calling it again is a no-op.
func (m *UDPMesh) Stop() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}

	m.stopOnce.Do(func() {
		close(m.shutdownCh)
		if err := conn.Close(); err != nil {
			m.logger.Errorf("[MESH-%v] Error closing connection: %v", m.id, err)
		}
		m.wg.Wait()
		m.logger.Infof("[MESH-%v] Stopped UDP mesh", m.id)
	})
	return nil
}

// Addr returns the address the mesh listens on, or "" before Start
func (m *UDPMesh) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ""
	}
	return m.conn.LocalAddr().String()
}

func (m *UDPMesh) listen() {
	defer m.wg.Done()

	buffer := make([]byte, 65536)

	for {
		select {
		case <-m.shutdownCh:
			return
		default:
		}

		if err := m.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			select {
			case <-m.shutdownCh:
				return
			default:
			}
			m.logger.Errorf("[MESH-%v] Error setting read deadline: %v", m.id, err)
			continue
		}

		n, addr, err := m.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-m.shutdownCh:
				return
			default:
				m.logger.Errorf("[MESH-%v] Error reading from UDP: %v", m.id, err)
				continue
			}
		}

		m.handleDatagram(buffer[:n], addr.String())
	}
}

func (m *UDPMesh) handleDatagram(raw []byte, addr string) {
	m.mu.RLock()
	handler := m.onReceive
	blocked := m.blocked
	m.mu.RUnlock()

	if blocked {
		return
	}

	var dg datagram
	if err := json.Unmarshal(raw, &dg); err != nil {
		m.logger.Debugf("[MESH-%v] Dropping undecodable datagram from %s: %v", m.id, addr, err)
		return
	}
	if dg.From == raft.None || dg.From == m.id {
		return
	}
	if err := m.signer.verify(dg.Cluster, dg.From, dg.Data, dg.MAC); err != nil {
		m.logger.Debugf("[MESH-%v] Dropping datagram from %s claiming %v: %v", m.id, addr, dg.From, err)
		return
	}

	if m.peers.Observe(dg.From, addr) {
		m.logger.Infof("[MESH-%v] Discovered peer %v at %s", m.id, dg.From, addr)
	}

	if handler != nil {
		handler(dg.From, dg.Data)
	}
}

// OnReceive sets the callback payloads are delivered to. It is called from the listener goroutine.
func (m *UDPMesh) OnReceive(fn ReceiveFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceive = fn
}

// AddPeer makes a peer known at addr
func (m *UDPMesh) AddPeer(id raft.NodeID, addr string) {
	m.peers.Add(id, addr)
}

func (m *UDPMesh) NodeID() raft.NodeID {
	return m.id
}

// LocalTime returns the milliseconds since the mesh was created. It wraps after about 49 days.
func (m *UDPMesh) LocalTime() uint32 {
	return uint32(time.Since(m.start).Milliseconds())
}

// Peers returns the peers heard from within the peer timeout
func (m *UDPMesh) Peers(includeSelf bool) []raft.NodeID {
	peers := m.peers.Reachable()
	if includeSelf {
		return withSelf(m.id, peers)
	}
	return peers
}

// SendToAll sends data to every known peer, silent ones included so they can come back. It reports false if any
// send failed.
func (m *UDPMesh) SendToAll(data []byte) bool {
	ok := true
	for _, p := range m.peers.All() {
		if !m.send(p.ID, p.Address, data) {
			ok = false
		}
	}
	return ok
}

// SendToOne sends data to one peer. It reports false when the peer has no known address or the write failed.
func (m *UDPMesh) SendToOne(peer raft.NodeID, data []byte) bool {
	addr := m.peers.Address(peer)
	if addr == "" {
		m.logger.Debugf("[MESH-%v] No address for peer %v", m.id, peer)
		return false
	}
	return m.send(peer, addr, data)
}

func (m *UDPMesh) send(peer raft.NodeID, targetAddr string, data []byte) bool {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return false
	}

	raw, err := json.Marshal(datagram{
		Cluster: m.config.ClusterName,
		From:    m.id,
		Data:    data,
		MAC:     m.signer.sign(m.id, data),
	})
	if err != nil {
		m.logger.Errorf("[MESH-%v] Failed to encode datagram: %v", m.id, err)
		return false
	}

	addr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		m.logger.Debugf("[MESH-%v] Failed to resolve %s for peer %v: %v", m.id, targetAddr, peer, err)
		return false
	}

	// A UDP write does not wait for the receiver, so this never blocks on a slow peer
	if _, err := conn.WriteToUDP(raw, addr); err != nil {
		m.logger.Debugf("[MESH-%v] Failed to send to peer %v: %v", m.id, peer, err)
		return false
	}
	return true
}

// BlockIncoming drops all incoming datagrams, cutting the node off
func (m *UDPMesh) BlockIncoming() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = true
}

// UnblockIncoming resumes processing incoming datagrams
func (m *UDPMesh) UnblockIncoming() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = false
}
