package tracker

import (
	"sync"
	"sync/atomic"
)

// Reserved PHY ids. Registered handlers always receive non-negative ids.
const (
	// PhyIDAny matches any PHY in filters and lookups.
	PhyIDAny = -1

	// PhyIDUnknown marks packets whose PHY could not be determined.
	PhyIDUnknown = -2
)

// PhyHandler is the capability set a physical-layer handler registers
// with the tracker. Implementations parse captured packets elsewhere in
// the pipeline; the tracker only needs the handler's identity.
type PhyHandler interface {
	// Name returns the handler's unique name, e.g. "IEEE802.11".
	Name() string
}

// PacketDissector is an optional capability for handlers that extract
// common-info records from raw packets. The tracker does not call it:
// OnPacket works from the common-info records already on the packet.
type PacketDissector interface {
	DissectPacket(p *Packet) []*CommonInfo
}

// Phy is a registered PHY handler with its assigned id and counters.
type Phy struct {
	id      int
	handler PhyHandler

	packets       atomic.Uint64
	dataPackets   atomic.Uint64
	errorPackets  atomic.Uint64
	filterPackets atomic.Uint64
}

// ID returns the assigned registry id.
func (p *Phy) ID() int { return p.id }

// Name returns the handler name.
func (p *Phy) Name() string { return p.handler.Name() }

// Handler returns the registered handler.
func (p *Phy) Handler() PhyHandler { return p.handler }

// PacketCount returns the number of packets classified to this PHY.
func (p *Phy) PacketCount() uint64 { return p.packets.Load() }

// DataPacketCount returns the number of data packets for this PHY.
func (p *Phy) DataPacketCount() uint64 { return p.dataPackets.Load() }

// ErrorPacketCount returns the number of error packets for this PHY.
func (p *Phy) ErrorPacketCount() uint64 { return p.errorPackets.Load() }

// FilterPacketCount returns the number of filtered packets for this PHY.
func (p *Phy) FilterPacketCount() uint64 { return p.filterPackets.Load() }

// phyRegistry assigns ids to PHY handlers and resolves them by id or
// name. Ids are assigned monotonically and never reused; the registry
// is append-only during runtime.
type phyRegistry struct {
	mu     sync.RWMutex
	byID   map[int]*Phy
	byName map[string]*Phy
	nextID int
}

func newPhyRegistry() *phyRegistry {
	return &phyRegistry{
		byID:   make(map[int]*Phy),
		byName: make(map[string]*Phy),
	}
}

// register stores a handler and assigns the next id. Returns
// ErrDuplicatePhyName if the name is taken.
func (r *phyRegistry) register(handler PhyHandler) (*Phy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.byName[name]; exists {
		return nil, ErrDuplicatePhyName
	}

	phy := &Phy{
		id:      r.nextID,
		handler: handler,
	}
	r.nextID++

	r.byID[phy.id] = phy
	r.byName[name] = phy

	return phy, nil
}

func (r *phyRegistry) fetchByID(id int) (*Phy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phy, ok := r.byID[id]
	return phy, ok
}

func (r *phyRegistry) fetchByName(name string) (*Phy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phy, ok := r.byName[name]
	return phy, ok
}

// nameOf resolves an id to a handler name, covering the reserved ids.
func (r *phyRegistry) nameOf(id int) string {
	switch id {
	case PhyIDAny:
		return "any"
	case PhyIDUnknown:
		return "unknown"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if phy, ok := r.byID[id]; ok {
		return phy.Name()
	}
	return "unknown"
}

// all returns the registered PHYs in id order.
func (r *phyRegistry) all() []*Phy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Phy, 0, len(r.byID))
	for id := 0; id < r.nextID; id++ {
		if phy, ok := r.byID[id]; ok {
			out = append(out, phy)
		}
	}
	return out
}
