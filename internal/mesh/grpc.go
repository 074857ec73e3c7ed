package mesh

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ramen/internal/logging"
	"ramen/internal/raft"
)

const (
	// RPCTimeout is the maximum time to wait for a single Deliver attempt. Payloads are small and a lost one is
	// repaired by the protocol timers, so attempts are kept well below a heartbeat period.
	RPCTimeout = 50 * time.Millisecond

	// MaxDeliverAttempts bounds the attempts for one payload
	MaxDeliverAttempts = 3

	// RetryBackoffBase is the base duration of the linear backoff between attempts
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the backoff between attempts
	MaxRetryBackoff = 100 * time.Millisecond

	// outboxSize bounds the payloads waiting for one peer. A full outbox makes sends to that peer fail.
	outboxSize = 64

	deliverMethod = "/ramen.mesh.Mesh/Deliver"

	mdCluster = "x-ramen-cluster"
	mdFrom    = "x-ramen-from"
	mdAddr    = "x-ramen-addr"
	mdMAC     = "x-ramen-mac"
)

// meshServer is the service behind deliverMethod. Declaring the ServiceDesc by hand keeps the wire format on the
// well-known wrapper types, so no generated code is needed.
type meshServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: "ramen.mesh.Mesh",
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ramen/mesh.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(meshServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// meshService hands authenticated payloads to the mesh's receive callback
type meshService struct {
	mesh *GRPCMesh
}

func (s *meshService) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	sender, ok := SenderFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unknown sender")
	}

	s.mesh.mu.RLock()
	handler := s.mesh.onReceive
	s.mesh.mu.RUnlock()

	if handler != nil {
		handler(sender, in.GetValue())
	}
	return &emptypb.Empty{}, nil
}

// peerClient is the channel to one peer. cancel stops its drain goroutine, which closes done on the way out.
type peerClient struct {
	conn   *grpc.ClientConn
	outbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// close stops the drain goroutine and closes the connection
func (c *peerClient) close() error {
	c.cancel()
	return c.conn.Close()
}

// GRPCMesh carries payloads as unary gRPC calls. Every peer gets one client connection, addressed by node id through
// the mesh resolver, and one outbox drained by its own goroutine, so sends never wait for the network and payloads to
// one peer stay in order.
type GRPCMesh struct {
	id     raft.NodeID
	config *Config
	logger logging.Logger
	signer signer
	peers  *PeerTable
	book   *addressBook
	start  time.Time

	server    *grpc.Server
	listener  net.Listener
	advertise string

	// A map of raft.NodeID to *peerClient. sync.Map is optimized for the read-mostly access pattern of sends.
	clientsConnPool *sync.Map

	mu        sync.RWMutex
	onReceive ReceiveFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGRPCMesh creates a gRPC transport for node id. It does not touch the network until Start.
func NewGRPCMesh(id raft.NodeID, config *Config) (*GRPCMesh, error) {
	if id == raft.None {
		return nil, fmt.Errorf("node id %d is reserved", raft.None)
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &GRPCMesh{
		id:              id,
		config:          config,
		logger:          config.logger(),
		signer:          newSigner(config.ClusterName, config.ClusterSecret),
		peers:           NewPeerTable(id, config.PeerTimeout),
		book:            newAddressBook(),
		start:           time.Now(),
		clientsConnPool: &sync.Map{},
		ctx:             ctx,
		cancel:          cancel,
	}
	for peer, addr := range config.Seeds {
		m.peers.Add(peer, addr)
		m.book.Set(peer, addr)
	}
	return m, nil
}

// Start listens for peers and opens a channel to every seed
func (m *GRPCMesh) Start() error {
	lis, err := net.Listen("tcp", m.config.listenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.listenAddr(), err)
	}

	_, port, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to read listener port: %w", err)
	}

	m.listener = lis
	m.advertise = net.JoinHostPort(m.config.advertiseHost(), port)
	m.server = grpc.NewServer(grpc.UnaryInterceptor(m.authInterceptor))
	m.server.RegisterService(&meshServiceDesc, &meshService{mesh: m})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(lis); err != nil {
			m.logger.Errorf("[MESH-%v] gRPC server stopped: %v", m.id, err)
		}
	}()

	for _, p := range m.peers.All() {
		if _, err := m.getClient(p.ID); err != nil {
			// One unreachable seed must not keep the node from the others
			m.logger.Warnf("[MESH-%v] Failed establishing a gRPC channel to peer %v: %v", m.id, p.ID, err)
		}
	}

	m.logger.Infof("[MESH-%v] Started gRPC mesh %q on %s, advertising %s", m.id, m.config.ClusterName,
		lis.Addr(), m.advertise)
	return nil
}

// Stop shuts down the server and closes every client connection
func (m *GRPCMesh) Stop() error {
	if m.server == nil {
		return ErrNotStarted
	}

	m.cancel()
	m.server.Stop()
	m.closeAllClients()
	m.wg.Wait()
	m.logger.Infof("[MESH-%v] Stopped gRPC mesh", m.id)
	return nil
}

// Addr returns the address other nodes should dial, or "" before Start
func (m *GRPCMesh) Addr() string {
	return m.advertise
}

// OnReceive sets the callback payloads are delivered to. It is called from gRPC server goroutines.
func (m *GRPCMesh) OnReceive(fn ReceiveFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceive = fn
}

// AddPeer makes a peer known at addr and points its channel there
func (m *GRPCMesh) AddPeer(id raft.NodeID, addr string) {
	m.peers.Add(id, addr)
	m.book.Set(id, addr)
}

// RemovePeer forgets a peer, stops its sender and closes its channel. Payloads still queued for it are dropped.
func (m *GRPCMesh) RemovePeer(id raft.NodeID) {
	m.peers.Remove(id)
	if value, ok := m.clientsConnPool.LoadAndDelete(id); ok {
		if client, ok := value.(*peerClient); ok {
			if err := client.close(); err != nil {
				m.logger.Warnf("[MESH-%v] Failed to close connection to removed peer %v: %v", m.id, id, err)
			}
		}
	}
}

func (m *GRPCMesh) NodeID() raft.NodeID {
	return m.id
}

// LocalTime returns the milliseconds since the mesh was created
func (m *GRPCMesh) LocalTime() uint32 {
	return uint32(time.Since(m.start).Milliseconds())
}

// Peers returns the peers heard from within the peer timeout
func (m *GRPCMesh) Peers(includeSelf bool) []raft.NodeID {
	peers := m.peers.Reachable()
	if includeSelf {
		return withSelf(m.id, peers)
	}
	return peers
}

// SendToAll queues data for every known peer. It reports false if any outbox refused it.
func (m *GRPCMesh) SendToAll(data []byte) bool {
	ok := true
	for _, p := range m.peers.All() {
		if !m.SendToOne(p.ID, data) {
			ok = false
		}
	}
	return ok
}

// SendToOne queues data for peer. It reports false when the peer is unknown, the mesh is stopped or the peer's
// outbox is full.
func (m *GRPCMesh) SendToOne(peer raft.NodeID, data []byte) bool {
	if m.ctx.Err() != nil {
		return false
	}

	client, err := m.getClient(peer)
	if err != nil {
		m.logger.Debugf("[MESH-%v] Cannot send to %v: %v", m.id, peer, err)
		return false
	}

	select {
	case client.outbox <- append([]byte(nil), data...):
		return true
	default:
		m.logger.Debugf("[MESH-%v] Outbox of peer %v is full", m.id, peer)
		return false
	}
}

// getClient returns the client of a peer, dialing it on first use
func (m *GRPCMesh) getClient(peer raft.NodeID) (*peerClient, error) {
	if value, ok := m.clientsConnPool.Load(peer); ok {
		client, ok := value.(*peerClient)
		if !ok {
			return nil, fmt.Errorf("invalid client type for peer %v: %T", peer, value)
		}
		return client, nil
	}

	if _, ok := m.book.Get(peer); !ok {
		return nil, fmt.Errorf("no address for peer %v", peer)
	}

	conn, err := grpc.NewClient(meshTarget(peer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(m.book),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to establish gRPC channel to peer %v: %w", peer, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	client := &peerClient{
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if existing, loaded := m.clientsConnPool.LoadOrStore(peer, client); loaded {
		// Lost the race against another sender
		_ = client.close()
		return existing.(*peerClient), nil
	}

	m.wg.Add(1)
	go m.drain(peer, client)
	return client, nil
}

func (m *GRPCMesh) drain(peer raft.NodeID, client *peerClient) {
	defer m.wg.Done()
	defer close(client.done)

	for {
		select {
		case <-client.ctx.Done():
			return
		case data := <-client.outbox:
			m.deliver(client.ctx, peer, client.conn, data)
		}
	}
}

func (m *GRPCMesh) deliver(ctx context.Context, peer raft.NodeID, conn *grpc.ClientConn, data []byte) {
	md := metadata.Pairs(
		mdCluster, m.config.ClusterName,
		mdFrom, strconv.FormatUint(uint64(m.id), 10),
		mdAddr, m.advertise,
		mdMAC, hex.EncodeToString(m.signer.sign(m.id, data)),
	)
	req := wrapperspb.Bytes(data)

	var lastErr error
	for attempt := 0; attempt < MaxDeliverAttempts; attempt++ {
		rpcCtx, cancel := context.WithTimeout(metadata.NewOutgoingContext(ctx, md), RPCTimeout)
		lastErr = conn.Invoke(rpcCtx, deliverMethod, req, new(emptypb.Empty))
		cancel()

		if lastErr == nil {
			return
		}
		if status.Code(lastErr) == codes.Unauthenticated {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if attempt < MaxDeliverAttempts-1 {
			backoff := min(RetryBackoffBase*time.Duration(attempt+1), MaxRetryBackoff)
			time.Sleep(backoff)
		}
	}

	m.logger.Debugf("[MESH-%v] Deliver to %v failed: %v", m.id, peer, lastErr)
}

// authInterceptor rejects calls that are not signed with the cluster secret and records the sender as a live peer
func (m *GRPCMesh) authInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	from, err := strconv.ParseUint(firstValue(md, mdFrom), 10, 32)
	if err != nil || raft.NodeID(from) == raft.None {
		return nil, status.Error(codes.Unauthenticated, "invalid sender")
	}
	sender := raft.NodeID(from)

	in, ok := req.(*wrapperspb.BytesValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unexpected request %T", req)
	}
	sum, err := hex.DecodeString(firstValue(md, mdMAC))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid signature")
	}
	if err := m.signer.verify(firstValue(md, mdCluster), sender, in.GetValue(), sum); err != nil {
		m.logger.Debugf("[MESH-%v] Rejecting payload claiming %v: %v", m.id, sender, err)
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	addr := firstValue(md, mdAddr)
	if m.peers.Observe(sender, addr) {
		m.logger.Infof("[MESH-%v] Discovered peer %v at %s", m.id, sender, addr)
	}
	if known, _ := m.book.Get(sender); addr != "" && known != addr {
		m.book.Set(sender, addr)
	}

	return handler(withValue(ctx, senderKey, sender), req)
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// closeAllClients closes every client connection opened by the mesh
func (m *GRPCMesh) closeAllClients() {
	// Range is a thread-safe way to iterate over a sync.Map
	m.clientsConnPool.Range(func(key, value any) bool {
		if client, ok := value.(*peerClient); ok {
			if err := client.close(); err != nil {
				m.logger.Warnf("[MESH-%v] Failed to close connection to %v: %v", m.id, key, err)
			}
		}
		m.clientsConnPool.Delete(key)
		return true
	})
}
