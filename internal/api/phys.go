package api

import (
	"net/http"
)

// phyEntry is one row of the all_phys listing.
type phyEntry struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DeviceCount int    `json:"device_count"`
	PacketCount uint64 `json:"packet_count"`
}

// handleAllPhys returns every registered PHY with its device and packet
// counts.
func (s *Server) handleAllPhys(w http.ResponseWriter, _ *http.Request) {
	phys := s.tracker.Phys()
	out := make([]phyEntry, 0, len(phys))

	for _, phy := range phys {
		entry := phyEntry{
			ID:          phy.ID(),
			Name:        phy.Name(),
			PacketCount: phy.PacketCount(),
		}

		// The per-PHY view knows the population when enabled; fall back
		// to a snapshot scan otherwise.
		if view, err := s.tracker.GetView("phy-" + phy.Name()); err == nil {
			entry.DeviceCount = view.Length()
		} else {
			for _, d := range s.tracker.Snapshot() {
				if d.PhyID == phy.ID() {
					entry.DeviceCount++
				}
			}
		}

		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, out)
}
