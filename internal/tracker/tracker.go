package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/timetracker"
)

// Logger defines the logging interface used by the Tracker.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PhyResolver maps a stored PHY name to its current registry id.
type PhyResolver func(name string) (int, bool)

// Persistence is the durable state store consumed by the tracker.
// Implementations live in the store package; a nil Persistence disables
// durability entirely.
type Persistence interface {
	// StoreDevices writes the given devices in one transaction and
	// marks each as stored on success.
	StoreDevices(ctx context.Context, devices []*Device) error

	// LoadDevices decodes every stored row, resolving PHY names through
	// resolve and handing decoded devices to apply. Rows whose PHY is
	// unregistered are retained for RetryDeferred; undecodable rows are
	// skipped. Returns counts of applied, deferred, and skipped rows.
	LoadDevices(ctx context.Context, resolve PhyResolver, apply func(*Device) error) (loaded, deferred, skipped int, err error)

	// RetryDeferred replays retained rows for a newly registered PHY.
	RetryDeferred(ctx context.Context, phyName string, phyID int, apply func(*Device) error) (int, error)

	// LoadDevice fetches and decodes a single stored device.
	// Returns ErrNotFound if no row matches.
	LoadDevice(ctx context.Context, phyName string, phyID int, mac MAC) (*Device, error)

	// StoredUserName returns the persisted user-assigned name, if any.
	StoredUserName(ctx context.Context, phyName string, mac MAC) (string, bool, error)

	// StoredTags returns the persisted tags for a device.
	StoredTags(ctx context.Context, phyName string, mac MAC) (map[string]string, error)

	// SetUserName persists a user-assigned device name.
	SetUserName(ctx context.Context, phyName string, mac MAC, name string) error

	// SetTag persists a device tag.
	SetTag(ctx context.Context, phyName string, mac MAC, tag, content string) error

	// ClearOldDevices purges rows older than the persistence timeout.
	ClearOldDevices(ctx context.Context) (int64, error)
}

// Config contains the tracker's runtime tuning, mapped from the tracker
// section of the configuration file.
type Config struct {
	// DeviceTimeout is the idle eviction threshold; 0 disables.
	DeviceTimeout time.Duration

	// DeviceIdleMinPackets gates idle eviction: only devices with at
	// least this many packets are removed once idle past the timeout;
	// devices with fewer packets are kept. 0 applies no gate.
	DeviceIdleMinPackets uint64

	// MaxDevices caps the tracked population; 0 disables.
	MaxDevices int

	// RAMNoRRD disables rolling-rate records.
	RAMNoRRD bool

	// TrackHistoryCloud keeps the per-device location history.
	TrackHistoryCloud bool

	// TrackPersourceHistory keeps per-source frequency histograms.
	TrackPersourceHistory bool

	// MapPhyViews enables the built-in per-PHY view family.
	MapPhyViews bool

	// MapSeenbyViews enables the built-in per-source view family.
	MapSeenbyViews bool

	// HousekeepingInterval is the eviction sweep tick.
	HousekeepingInterval time.Duration

	// StorageInterval is the background flush tick.
	StorageInterval time.Duration
}

// defaultHousekeepingInterval is used when the config leaves it zero.
const defaultHousekeepingInterval = 15 * time.Second

// Options are the dependencies and settings for New.
type Options struct {
	Config Config
	Logger Logger

	// Bus receives NEW_PHY / NEW_DEVICE / DEVICE_REMOVED events and is
	// watched for NEW_DATASOURCE.
	Bus *eventbus.Bus

	// Timers drives eviction and flush ticks. Optional; without it the
	// background sweeps must be invoked manually.
	Timers *timetracker.Tracker

	// Store is the durable state store. Optional.
	Store Persistence

	// OnDemand selects per-miss rehydration instead of load-at-boot.
	OnDemand bool
}

// Tracker is the device tracker core. It owns the device index, the PHY
// registry, the view registry, and the background eviction and
// persistence machinery.
//
// Lock order: index lock, view registry lock, per-view lock, per-device
// lock, storing flag. Methods document which they take; none re-enter.
type Tracker struct {
	cfg    Config
	logger Logger
	bus    *eventbus.Bus
	timers *timetracker.Tracker

	store    Persistence
	onDemand bool

	index *deviceIndex
	phys  *phyRegistry

	// viewMu guards the view registries, not view contents.
	viewMu      sync.Mutex
	views       map[string]*View
	phyViews    map[int]*View
	seenbyViews map[uuid.UUID]*View

	// seenSources tracks datasource UUIDs already observed, so lazy
	// view creation happens once per source.
	seenSources sync.Map

	numPackets       atomic.Uint64
	numDataPackets   atomic.Uint64
	numErrorPackets  atomic.Uint64
	numFilterPackets atomic.Uint64

	packetsRRD *RRD

	// storing guards against overlapping background flushes.
	storing atomic.Bool

	// lastStored is the unix time of the last completed flush.
	lastStored atomic.Int64

	// overBudget is set when an insert pushes the population past
	// MaxDevices; the next housekeeping tick clears it by evicting.
	overBudget atomic.Bool

	dsSubID          uint64
	timerIDs         []int
	closeOnce        sync.Once
	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc
}

// New creates a tracker. The bus is required; timers and store are
// optional.
func New(opts Options) (*Tracker, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("tracker: event bus is required")
	}

	cfg := opts.Config
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = defaultHousekeepingInterval
	}

	t := &Tracker{
		cfg:         cfg,
		logger:      opts.Logger,
		bus:         opts.Bus,
		timers:      opts.Timers,
		store:       opts.Store,
		onDemand:    opts.OnDemand,
		index:       newDeviceIndex(),
		phys:        newPhyRegistry(),
		views:       make(map[string]*View),
		phyViews:    make(map[int]*View),
		seenbyViews: make(map[uuid.UUID]*View),
	}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	if !cfg.RAMNoRRD {
		t.packetsRRD = NewRRD()
	}

	t.backgroundCtx, t.backgroundCancel = context.WithCancel(context.Background())

	// Watch for datasources announced before any packet arrives.
	t.dsSubID = t.bus.Subscribe(EventNewDatasource, func(evt eventbus.Event) {
		if ds, ok := evt.(NewDatasourceEvent); ok {
			t.observeDatasource(ds.UUID)
		}
	})

	t.startHousekeeping()

	return t, nil
}

// Close stops background work. It does not flush; call FlushDevices
// first if a final write is wanted.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.backgroundCancel()
		if t.timers != nil {
			for _, id := range t.timerIDs {
				t.timers.RemoveTimer(id)
			}
		}
		t.bus.Unsubscribe(t.dsSubID)
	})
}

// RegisterPhy registers a PHY handler, assigns its id, creates the
// per-PHY view, replays deferred stored rows, and publishes NEW_PHY.
func (t *Tracker) RegisterPhy(handler PhyHandler) (int, error) {
	phy, err := t.phys.register(handler)
	if err != nil {
		return 0, err
	}

	if t.cfg.MapPhyViews {
		t.ensurePhyView(phy.ID())
	}

	if t.store != nil {
		n, retryErr := t.store.RetryDeferred(t.backgroundCtx, phy.Name(), phy.ID(), func(d *Device) error {
			return t.insertDevice(t.backgroundCtx, d, false)
		})
		if retryErr != nil {
			t.logger.Warn("deferred device load failed", "phy", phy.Name(), "error", retryErr)
		} else if n > 0 {
			t.logger.Info("loaded deferred devices", "phy", phy.Name(), "count", n)
		}
	}

	t.bus.Publish(NewPhyEvent{Phy: phy})
	t.logger.Info("phy registered", "phy", phy.Name(), "id", phy.ID())

	return phy.ID(), nil
}

// FetchPhy returns the registered PHY for an id.
func (t *Tracker) FetchPhy(id int) (*Phy, bool) {
	return t.phys.fetchByID(id)
}

// FetchPhyByName returns the registered PHY for a name.
func (t *Tracker) FetchPhyByName(name string) (*Phy, bool) {
	return t.phys.fetchByName(name)
}

// PhyName resolves an id to a name, including the reserved ids.
func (t *Tracker) PhyName(id int) string {
	return t.phys.nameOf(id)
}

// Phys returns all registered PHYs in id order.
func (t *Tracker) Phys() []*Phy {
	return t.phys.all()
}

// FetchDevice returns the device for a key, or ErrNotFound.
func (t *Tracker) FetchDevice(key DeviceKey) (*Device, error) {
	if d := t.index.fetch(key); d != nil {
		return d, nil
	}
	return nil, ErrNotFound
}

// FetchDevicesByMAC returns all devices sharing an address.
func (t *Tracker) FetchDevicesByMAC(mac MAC) []*Device {
	return t.index.fetchByMAC(mac)
}

// Snapshot returns the immutable device vector in ordinal order.
// The returned slice must not be modified.
func (t *Tracker) Snapshot() []*Device {
	return t.index.snapshotVec()
}

// NumDevices returns the tracked device count.
func (t *Tracker) NumDevices() int {
	return t.index.length()
}

// NumPackets returns the total classified packet count.
func (t *Tracker) NumPackets() uint64 { return t.numPackets.Load() }

// NumDataPackets returns the data packet count.
func (t *Tracker) NumDataPackets() uint64 { return t.numDataPackets.Load() }

// NumErrorPackets returns the error packet count.
func (t *Tracker) NumErrorPackets() uint64 { return t.numErrorPackets.Load() }

// NumFilterPackets returns the filtered packet count.
func (t *Tracker) NumFilterPackets() uint64 { return t.numFilterPackets.Load() }

// PacketsRRD returns the global packet rate record, nil when disabled.
func (t *Tracker) PacketsRRD() *RRD { return t.packetsRRD }

// FullRefreshTime returns the watermark advanced on every structural
// removal. Clients compare it against their snapshot time to decide
// whether to re-pull.
func (t *Tracker) FullRefreshTime() int64 {
	return t.index.fullRefreshTime()
}

// WithReadLock runs fn holding the device list read lock. The scoped
// acquisition guarantees release on every exit path.
func (t *Tracker) WithReadLock(fn func()) {
	t.index.withReadLock(fn)
}

// WithWriteLock runs fn holding the device list write lock.
func (t *Tracker) WithWriteLock(fn func()) {
	t.index.withWriteLock(fn)
}

// insertDevice adds a prepared device to the index and notifies views.
// Used by the update pipeline (isNew=true, caller publishes NEW_DEVICE)
// and rehydration (isNew=false, no event).
func (t *Tracker) insertDevice(_ context.Context, d *Device, isNew bool) error {
	ordinal, err := t.index.insert(d)
	if err != nil {
		return err
	}

	t.notifyNewDevice(d)

	if t.cfg.MaxDevices > 0 && t.index.length() > t.cfg.MaxDevices {
		// The insert still succeeds; eviction is scheduled, not inline.
		t.overBudget.Store(true)
	}

	if isNew {
		t.logger.Debug("device created",
			"key", d.Key.String(),
			"mac", d.Mac.String(),
			"phy", d.PhyName,
			"ordinal", ordinal,
		)
	}

	return nil
}

// applyStoredIdentity loads persisted username and tags onto a device
// that has not been inserted yet (unique handle, no locking needed).
func (t *Tracker) applyStoredIdentity(ctx context.Context, d *Device) {
	if t.store == nil {
		return
	}

	if name, ok, err := t.store.StoredUserName(ctx, d.PhyName, d.Mac); err != nil {
		t.logger.Warn("stored username lookup failed", "mac", d.Mac.String(), "error", err)
	} else if ok {
		d.UserName = name
	}

	if tags, err := t.store.StoredTags(ctx, d.PhyName, d.Mac); err != nil {
		t.logger.Warn("stored tags lookup failed", "mac", d.Mac.String(), "error", err)
	} else {
		for k, v := range tags {
			d.Tags[k] = v
		}
	}
}

// SetDeviceUserName sets the user-assigned name and persists it so
// future runs restore it.
func (t *Tracker) SetDeviceUserName(ctx context.Context, d *Device, name string) error {
	d.Lock()
	d.UserName = name
	d.bumpModified()
	d.Unlock()

	t.notifyUpdateDevice(d)

	if t.store != nil {
		if err := t.store.SetUserName(ctx, d.PhyName, d.Mac, name); err != nil {
			return fmt.Errorf("persisting username: %w", err)
		}
	}
	return nil
}

// SetDeviceTag sets an arbitrary tag and persists it. An empty content
// removes the tag.
func (t *Tracker) SetDeviceTag(ctx context.Context, d *Device, tag, content string) error {
	d.Lock()
	if content == "" {
		delete(d.Tags, tag)
	} else {
		d.Tags[tag] = content
	}
	d.bumpModified()
	d.Unlock()

	t.notifyUpdateDevice(d)

	if t.store != nil {
		if err := t.store.SetTag(ctx, d.PhyName, d.Mac, tag, content); err != nil {
			return fmt.Errorf("persisting tag: %w", err)
		}
	}
	return nil
}

// LoadStoredDevices rehydrates the index from the state store in
// load-at-boot mode. Devices enter views but no NEW_DEVICE events fire.
func (t *Tracker) LoadStoredDevices(ctx context.Context) error {
	if t.store == nil || t.onDemand {
		return nil
	}

	if purged, err := t.store.ClearOldDevices(ctx); err != nil {
		t.logger.Warn("purging expired stored devices failed", "error", err)
	} else if purged > 0 {
		t.logger.Info("purged expired stored devices", "count", purged)
	}

	resolve := func(name string) (int, bool) {
		phy, ok := t.phys.fetchByName(name)
		if !ok {
			return 0, false
		}
		return phy.ID(), true
	}

	loaded, deferred, skipped, err := t.store.LoadDevices(ctx, resolve, func(d *Device) error {
		return t.insertDevice(ctx, d, false)
	})
	if err != nil {
		return fmt.Errorf("loading stored devices: %w", err)
	}

	t.logger.Info("stored devices loaded",
		"loaded", loaded,
		"deferred", deferred,
		"skipped", skipped,
	)
	return nil
}

// observeDatasource records a datasource UUID and lazily creates its
// seenby view, populated from the current snapshot.
func (t *Tracker) observeDatasource(src uuid.UUID) {
	if src == uuid.Nil {
		return
	}
	if _, loaded := t.seenSources.LoadOrStore(src, struct{}{}); loaded {
		return
	}

	if !t.cfg.MapSeenbyViews {
		return
	}

	view := NewView("seenby-"+src.String(), SeenByViewMatcher(src))

	t.viewMu.Lock()
	if _, exists := t.seenbyViews[src]; exists {
		t.viewMu.Unlock()
		return
	}
	t.seenbyViews[src] = view
	t.views[view.ID()] = view
	t.viewMu.Unlock()

	for _, d := range t.index.snapshotVec() {
		view.updateDevice(d)
	}

	t.logger.Debug("seenby view created", "source", src.String())
}

// ensurePhyView lazily creates the per-PHY view and populates it.
func (t *Tracker) ensurePhyView(phyID int) {
	view := NewView(fmt.Sprintf("phy-%s", t.phys.nameOf(phyID)), PhyViewMatcher(phyID))

	t.viewMu.Lock()
	if _, exists := t.phyViews[phyID]; exists {
		t.viewMu.Unlock()
		return
	}
	t.phyViews[phyID] = view
	t.views[view.ID()] = view
	t.viewMu.Unlock()

	for _, d := range t.index.snapshotVec() {
		view.updateDevice(d)
	}
}

// AddView registers an externally built view and back-fills it from the
// current population.
func (t *Tracker) AddView(v *View) error {
	t.viewMu.Lock()
	if _, exists := t.views[v.ID()]; exists {
		t.viewMu.Unlock()
		return ErrDuplicateView
	}
	t.views[v.ID()] = v
	t.viewMu.Unlock()

	for _, d := range t.index.snapshotVec() {
		v.updateDevice(d)
	}
	return nil
}

// RemoveView unregisters a view by id.
func (t *Tracker) RemoveView(id string) {
	t.viewMu.Lock()
	defer t.viewMu.Unlock()

	v, ok := t.views[id]
	if !ok {
		return
	}
	delete(t.views, id)

	for phyID, pv := range t.phyViews {
		if pv == v {
			delete(t.phyViews, phyID)
		}
	}
	for src, sv := range t.seenbyViews {
		if sv == v {
			delete(t.seenbyViews, src)
		}
	}
}

// GetView returns a registered view by id.
func (t *Tracker) GetView(id string) (*View, error) {
	t.viewMu.Lock()
	defer t.viewMu.Unlock()

	if v, ok := t.views[id]; ok {
		return v, nil
	}
	return nil, ErrViewNotFound
}

// Views returns all registered views.
func (t *Tracker) Views() []*View {
	t.viewMu.Lock()
	defer t.viewMu.Unlock()

	out := make([]*View, 0, len(t.views))
	for _, v := range t.views {
		out = append(out, v)
	}
	return out
}

// allViews snapshots the view registry for notification fan-out.
func (t *Tracker) allViews() []*View {
	t.viewMu.Lock()
	defer t.viewMu.Unlock()

	out := make([]*View, 0, len(t.views))
	for _, v := range t.views {
		out = append(out, v)
	}
	return out
}

func (t *Tracker) notifyNewDevice(d *Device) {
	for _, v := range t.allViews() {
		v.newDevice(d)
	}
}

func (t *Tracker) notifyUpdateDevice(d *Device) {
	for _, v := range t.allViews() {
		v.updateDevice(d)
	}
}

func (t *Tracker) notifyRemoveDevice(d *Device) {
	for _, v := range t.allViews() {
		v.removeDevice(d)
	}
}
