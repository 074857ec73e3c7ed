package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"ramen/internal/raft"
)

// meshScheme is the gRPC target scheme that resolves node ids: "mesh:///<id>"
const meshScheme = "mesh"

func meshTarget(id raft.NodeID) string {
	return fmt.Sprintf("%s:///%d", meshScheme, uint32(id))
}

// addressBook maps node ids to dial addresses and pushes changes to the resolvers watching them. Each GRPCMesh owns
// one and hands it to its client connections with grpc.WithResolvers, so meshes in one process never share ids.
type addressBook struct {
	mu       sync.RWMutex
	records  map[raft.NodeID]string
	watchers map[raft.NodeID]map[*meshResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		records:  make(map[raft.NodeID]string),
		watchers: make(map[raft.NodeID]map[*meshResolver]struct{}),
	}
}

// Set sets or updates the address of id and notifies its resolvers
func (b *addressBook) Set(id raft.NodeID, addr string) {
	b.mu.Lock()
	b.records[id] = addr
	watchers := make([]*meshResolver, 0, len(b.watchers[id]))
	for w := range b.watchers[id] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking, UpdateState may call back into ResolveNow
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (b *addressBook) Get(id raft.NodeID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.records[id]
	return addr, ok
}

// Scheme implements resolver.Builder
func (b *addressBook) Scheme() string { return meshScheme }

// Build implements resolver.Builder. It accepts "mesh:///<id>".
func (b *addressBook) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	endpoint := target.Endpoint()
	if endpoint == "" {
		endpoint = strings.TrimPrefix(target.URL.Path, "/")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("mesh resolver: empty target endpoint: %+v", target)
	}

	id, err := strconv.ParseUint(endpoint, 10, 32)
	if err != nil || id == uint64(raft.None) {
		return nil, fmt.Errorf("mesh resolver: invalid node id %q", endpoint)
	}

	r := &meshResolver{id: raft.NodeID(id), cc: cc, book: b}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type meshResolver struct {
	id   raft.NodeID
	cc   resolver.ClientConn
	book *addressBook
}

func (r *meshResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *meshResolver) Close() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	if set, ok := r.book.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.book.watchers, r.id)
		}
	}
}

func (r *meshResolver) subscribe() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	set := r.book.watchers[r.id]
	if set == nil {
		set = make(map[*meshResolver]struct{})
		r.book.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *meshResolver) pushCurrent() {
	addr, ok := r.book.Get(r.id)
	if !ok || addr == "" {
		// No address yet, gRPC keeps the channel idle until one is pushed
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
