// Package state caches the last known state of every audio zone. Each device
// has its own lock; updates are ordered by the device-supplied sequence.
package state

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Update is a partial zone change. Nil fields are left untouched. Seq is the
// device sequence; zero means the device did not supply one.
type Update struct {
	DeviceID string
	Zone     int
	Seq      uint64
	Source   *int
	Volume   *int
	Mute     *bool
}

// Intent identifies one optimistic change until its command settles it. The
// zero Intent settles nothing.
type Intent struct {
	deviceID string
	zone     int
	id       uint64
}

type intent struct {
	id uint64
	u  Update
	at time.Time
}

type deviceState struct {
	mu        sync.Mutex
	confirmed []av.Zone
	view      []av.Zone
	intents   [][]intent
}

// rebuildLocked lays every unsettled change of zone index i over the
// confirmed state, oldest first.
func (ds *deviceState) rebuildLocked(i int) {
	v := ds.confirmed[i]
	for _, in := range ds.intents[i] {
		merge(&v, in.u)
		v.Optimistic = true
		v.UpdatedAt = in.at
	}
	ds.view[i] = v
}

// Store holds confirmed and displayed zone state per device.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceState

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	lastIntent atomic.Uint64

	now func() time.Time
}

func New() *Store {
	return &Store{
		devices: make(map[string]*deviceState),
		subs:    make(map[*Subscription]struct{}),
		now:     time.Now,
	}
}

// Register creates empty zones 1..zones for deviceID. Registering an existing
// device with the same zone count keeps its state.
func (s *Store) Register(deviceID string, zones int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.devices[deviceID]; ok && len(ds.confirmed) == zones {
		return
	}
	ds := &deviceState{
		confirmed: make([]av.Zone, zones),
		view:      make([]av.Zone, zones),
		intents:   make([][]intent, zones),
	}
	for i := range zones {
		z := av.Zone{DeviceID: deviceID, Index: i + 1}
		ds.confirmed[i] = z
		ds.view[i] = z
	}
	s.devices[deviceID] = ds
}

// Unregister drops all state for deviceID.
func (s *Store) Unregister(deviceID string) {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}

func (s *Store) zone(deviceID string, zone int) (*deviceState, int, error) {
	s.mu.RLock()
	ds, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("device %s: %w", deviceID, av.ErrNotFound)
	}
	if zone < 1 || zone > len(ds.confirmed) {
		return nil, 0, fmt.Errorf("device %s zone %d: %w", deviceID, zone, av.ErrNotFound)
	}
	return ds, zone - 1, nil
}

func merge(z *av.Zone, u Update) {
	if u.Source != nil {
		z.Source = *u.Source
	}
	if u.Volume != nil {
		z.Volume = *u.Volume
	}
	if u.Mute != nil {
		z.Mute = *u.Mute
	}
}

// Apply merges authoritative device state. An update older than the stored
// sequence is discarded and reported with applied=false. Optimistic changes
// whose commands are still in flight stay laid over the result until they
// are settled.
func (s *Store) Apply(u Update) (z av.Zone, applied bool, err error) {
	ds, i, err := s.zone(u.DeviceID, u.Zone)
	if err != nil {
		return av.Zone{}, false, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	c := &ds.confirmed[i]
	if u.Seq != 0 && u.Seq < c.Seq {
		return ds.view[i], false, nil
	}
	merge(c, u)
	c.Seq = max(c.Seq, u.Seq)
	c.UpdatedAt = s.now()
	c.Optimistic = false
	ds.rebuildLocked(i)
	s.publish(ds.view[i])
	return ds.view[i], true, nil
}

// ApplyOptimistic lays a change over the displayed state, marking it
// unconfirmed, until the returned Intent is settled.
func (s *Store) ApplyOptimistic(u Update) (av.Zone, Intent, error) {
	ds, i, err := s.zone(u.DeviceID, u.Zone)
	if err != nil {
		return av.Zone{}, Intent{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	id := s.lastIntent.Add(1)
	ds.intents[i] = append(ds.intents[i], intent{id: id, u: u, at: s.now()})
	ds.rebuildLocked(i)
	s.publish(ds.view[i])
	return ds.view[i], Intent{deviceID: u.DeviceID, zone: u.Zone, id: id}, nil
}

// Settle removes one optimistic change. Changes of other commands on the same
// zone stay in place. Settling twice is a no-op.
func (s *Store) Settle(in Intent) (av.Zone, error) {
	if in.id == 0 {
		return av.Zone{}, nil
	}
	ds, i, err := s.zone(in.deviceID, in.zone)
	if err != nil {
		return av.Zone{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for j, pending := range ds.intents[i] {
		if pending.id == in.id {
			ds.intents[i] = append(ds.intents[i][:j], ds.intents[i][j+1:]...)
			ds.rebuildLocked(i)
			s.publish(ds.view[i])
			break
		}
	}
	return ds.view[i], nil
}

// Get returns the displayed state of one zone.
func (s *Store) Get(deviceID string, zone int) (av.Zone, error) {
	ds, i, err := s.zone(deviceID, zone)
	if err != nil {
		return av.Zone{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.view[i], nil
}

// Snapshot returns the displayed state of every zone of a device.
func (s *Store) Snapshot(deviceID string) ([]av.Zone, error) {
	s.mu.RLock()
	ds, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, av.ErrNotFound)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]av.Zone(nil), ds.view...), nil
}

// publish runs under the device lock so subscribers see changes of one device
// in application order.
func (s *Store) publish(z av.Zone) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for sub := range s.subs {
		sub.push(z)
	}
}
