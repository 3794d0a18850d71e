// Package tracker implements the device tracker core: classification of
// parsed packet metadata into persistent device records, multi-index
// lookup over the tracked population, view projection, eviction, and
// the serialization format consumed by the state store.
//
// # Structure
//
// The Tracker owns four cooperating structures:
//
//   - the device index: primary map by composite key, MAC multimap,
//     dense ordinal vector, and an immutable snapshot vector readers
//     iterate without locks
//   - the PHY registry: handler registration and id assignment
//   - the view registry: predicate-filtered projections, including the
//     built-in per-PHY and per-datasource families
//   - the housekeeping machinery: idle and max-device eviction plus the
//     background flush to the state store
//
// # Concurrency
//
// The packet path, the HTTP path, and the background timers all touch
// the tracker concurrently. Locks are ordered: device index, view
// registry, per-view, per-device, storing flag. Nothing in this package
// acquires a lock while holding one later in the order.
//
// PHY handlers feed the tracker through UpdateCommonDevice; the packet
// chain uses OnPacket. Consumers snapshot through Snapshot, the view
// API, or the filter-worker executor.
package tracker
