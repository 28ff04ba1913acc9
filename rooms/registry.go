// Package rooms holds the live replica of every document that has at least
// one connected member. Each room serializes its own mutations; the registry
// lock only guards the index, so a slow room never stalls another.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/crdt"
	"collab-server/persistence"
	"collab-server/protocol"

	"github.com/sirupsen/logrus"
)

var (
	ErrDraining   = errors.New("registry is draining")
	ErrNotMember  = errors.New("connection is not a member of the room")
	ErrRoomClosed = errors.New("room is closed")
)

const activityTimeout = 2 * time.Second

// Member is one connection inside a room.
type Member interface {
	ID() string
	Capability() core.Capability
	// Send queues frame for delivery and must not block. It reports false
	// when the member's outbound buffer is full.
	Send(frame []byte) bool
	// Overflow is called, outside any room lock, after Send reported false.
	Overflow()
}

type room struct {
	id string

	// ready is closed once the replica has been hydrated.
	ready chan struct{}

	mu           sync.Mutex
	replica      *crdt.Replica
	members      map[string]Member
	closed       bool
	version      uint64
	savedVersion uint64

	// saveMu orders snapshot-and-write sequences of this room.
	saveMu sync.Mutex
}

func (rm *room) dirty() bool {
	return rm.version != rm.savedVersion
}

type Registry struct {
	bridge   *persistence.Bridge
	activity core.RoomActivity

	mu       sync.Mutex
	rooms    map[string]*room
	saving   map[string]chan struct{}
	draining bool

	encode func(protocol.Message) ([]byte, error)
}

// NewRegistry returns a registry backed by bridge. activity may be nil.
func NewRegistry(bridge *persistence.Bridge, activity core.RoomActivity) *Registry {
	return &Registry{
		bridge:   bridge,
		activity: activity,
		rooms:    make(map[string]*room),
		saving:   make(map[string]chan struct{}),
		encode:   protocol.Encode,
	}
}

// Handle is a member's view of the room it joined.
type Handle struct {
	registry   *Registry
	documentID string
	memberID   string

	// Snapshot is the encoded replica at the moment of joining. The same
	// state has already been queued to the member as a sync frame.
	Snapshot []byte
}

func (h *Handle) Apply(update []byte) (bool, error) {
	return h.registry.ApplyUpdate(h.documentID, h.memberID, update)
}

func (h *Handle) Leave(ctx context.Context) {
	h.registry.Leave(ctx, h.documentID, h.memberID)
}

// Join adds member to the room of documentID, creating and hydrating the
// room on first join. A sync frame carrying the current snapshot is queued
// to the member before any update that follows its admission.
func (r *Registry) Join(ctx context.Context, documentID string, member Member) (*Handle, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: missing document id", core.ErrMalformedRequest)
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id":   documentID,
		"connection_id": member.ID(),
	})

	for {
		rm, created, wait, err := r.lookup(documentID)
		if err != nil {
			return nil, err
		}
		if wait != nil {
			log.Debug("Waiting for the previous room to finish saving")
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if created {
			// A cancelled joiner must not hydrate a room with empty state.
			replica := r.bridge.Load(context.WithoutCancel(ctx), documentID)
			rm.mu.Lock()
			rm.replica = replica
			rm.mu.Unlock()
			close(rm.ready)
			r.touch(documentID)
			log.WithField("updates", replica.Len()).Info("Room opened")
		} else {
			select {
			case <-rm.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		snapshot := rm.replica.Encode()
		frame, err := r.encode(protocol.SyncMessage(snapshot, string(member.Capability())))
		if err != nil {
			rm.mu.Unlock()
			r.discard(rm)
			return nil, fmt.Errorf("encode sync frame: %w", err)
		}
		rm.members[member.ID()] = member
		delivered := member.Send(frame)
		count := len(rm.members)
		rm.mu.Unlock()

		if !delivered {
			member.Overflow()
		}
		log.WithField("user_count", count).Info("Member joined room")
		return &Handle{
			registry:   r,
			documentID: documentID,
			memberID:   member.ID(),
			Snapshot:   snapshot,
		}, nil
	}
}

// lookup returns the room for documentID, creating it when absent. A non-nil
// wait channel means the previous room is still saving.
func (r *Registry) lookup(documentID string) (rm *room, created bool, wait chan struct{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return nil, false, nil, ErrDraining
	}
	if ch, ok := r.saving[documentID]; ok {
		return nil, false, ch, nil
	}
	if rm, ok := r.rooms[documentID]; ok {
		return rm, false, nil, nil
	}
	rm = &room{
		id:      documentID,
		ready:   make(chan struct{}),
		members: make(map[string]Member),
	}
	r.rooms[documentID] = rm
	return rm, true, nil, nil
}

// discard drops rm from the index when no member ever made it in. The
// replica is unchanged since hydration, so nothing needs saving.
func (r *Registry) discard(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || len(rm.members) > 0 {
		return
	}
	rm.closed = true
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
}

func (r *Registry) room(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// ApplyUpdate merges update into the room and queues it to every other
// member. It reports whether the update was new; duplicates are neither
// re-broadcast nor counted as changes.
func (r *Registry) ApplyUpdate(documentID, memberID string, update []byte) (bool, error) {
	rm := r.room(documentID)
	if rm == nil {
		return false, ErrRoomClosed
	}

	var overflowed []Member
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return false, ErrRoomClosed
	}
	if _, ok := rm.members[memberID]; !ok {
		rm.mu.Unlock()
		return false, ErrNotMember
	}
	added, err := rm.replica.Apply(update)
	if err != nil || !added {
		rm.mu.Unlock()
		return false, err
	}
	rm.version++

	frame, err := r.encode(protocol.UpdateMessage(update))
	if err != nil {
		rm.mu.Unlock()
		return true, err
	}
	for id, m := range rm.members {
		if id == memberID {
			continue
		}
		if !m.Send(frame) {
			overflowed = append(overflowed, m)
		}
	}
	rm.mu.Unlock()

	for _, m := range overflowed {
		logrus.WithFields(logrus.Fields{
			"document_id":   documentID,
			"connection_id": m.ID(),
		}).Warn("Outbound buffer full, disconnecting member")
		m.Overflow()
	}
	return true, nil
}

// Leave removes the member. The last member to leave evicts the room and
// saves its state exactly once; a failed save is logged and retained by the
// bridge for the next join.
func (r *Registry) Leave(ctx context.Context, documentID, memberID string) {
	log := logrus.WithFields(logrus.Fields{
		"document_id":   documentID,
		"connection_id": memberID,
	})

	r.mu.Lock()
	rm, ok := r.rooms[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rm.mu.Lock()
	if _, ok := rm.members[memberID]; !ok {
		rm.mu.Unlock()
		r.mu.Unlock()
		return
	}
	delete(rm.members, memberID)
	remaining := len(rm.members)
	if remaining > 0 {
		rm.mu.Unlock()
		r.mu.Unlock()
		log.WithField("user_count", remaining).Info("Member left room")
		return
	}
	rm.closed = true
	delete(r.rooms, documentID)
	done := make(chan struct{})
	r.saving[documentID] = done
	rm.mu.Unlock()
	r.mu.Unlock()

	log.Info("Last member left, closing room")
	if err := r.persist(context.WithoutCancel(ctx), rm); err != nil {
		log.WithError(err).Error("Room state was not saved, it will be retried on the next join")
	}
	r.touch(documentID)

	r.mu.Lock()
	delete(r.saving, documentID)
	r.mu.Unlock()
	close(done)
}

// persist writes the room's current state. Writes of the same room are
// serialized so an older snapshot never lands after a newer one.
func (r *Registry) persist(ctx context.Context, rm *room) error {
	rm.saveMu.Lock()
	defer rm.saveMu.Unlock()

	rm.mu.Lock()
	version := rm.version
	replica := rm.replica.Clone()
	rm.mu.Unlock()

	if err := r.bridge.Save(ctx, rm.id, replica.Encode()); err != nil {
		return err
	}

	rm.mu.Lock()
	if version > rm.savedVersion {
		rm.savedVersion = version
	}
	rm.mu.Unlock()
	return nil
}

// Flush saves every open room with unsaved changes.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.Lock()
	open := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		open = append(open, rm)
	}
	r.mu.Unlock()

	for _, rm := range open {
		select {
		case <-rm.ready:
		default:
			continue
		}
		rm.mu.Lock()
		skip := rm.closed || !rm.dirty()
		rm.mu.Unlock()
		if skip {
			continue
		}
		if err := r.persist(ctx, rm); err != nil {
			logrus.WithError(err).WithField("document_id", rm.id).Warn("Periodic flush failed")
		}
	}
}

// Run flushes dirty rooms every interval until ctx is done. A non-positive
// interval disables periodic flushing.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Drain rejects further joins, evicts every room and saves it. Members are
// not notified; the transport is expected to close its connections first.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	open := make([]*room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		open = append(open, rm)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, rm := range open {
		select {
		case <-rm.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		rm.mu.Lock()
		rm.closed = true
		rm.mu.Unlock()
		if err := r.persist(ctx, rm); err != nil {
			errs = append(errs, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"rooms":    len(open),
		"saves":    r.bridge.Saves(),
		"failures": r.bridge.Failures(),
		"unsaved":  len(r.bridge.Unsaved()),
	}).Info("Registry drained")
	return errors.Join(errs...)
}

// ActiveRooms returns the member count of every open room.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.Lock()
	open := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		open = append(open, rm)
	}
	r.mu.Unlock()

	rooms := make(map[string]int, len(open))
	for _, rm := range open {
		rm.mu.Lock()
		if n := len(rm.members); n > 0 {
			rooms[rm.id] = n
		}
		rm.mu.Unlock()
	}
	return rooms
}

func (r *Registry) touch(documentID string) {
	if r.activity == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), activityTimeout)
	defer cancel()
	if err := r.activity.TouchRoom(ctx, documentID); err != nil {
		logrus.WithError(err).WithField("document_id", documentID).Warn("Failed to record room activity")
	}
}
