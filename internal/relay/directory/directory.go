// Package directory holds the process-scoped registry of live rooms. The
// mutex guards only insert, lookup, and remove; rooms process operations on
// their own goroutines and never run under the directory lock.
package directory

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/plugin"
	"github.com/quorumnet/relaycore/internal/relay/replication"
	"github.com/quorumnet/relaycore/internal/relay/room"
	"github.com/quorumnet/relaycore/internal/relay/storage"
)

// Options configures the directory and the defaults of every room it
// creates.
type Options struct {
	MaxEmptyRoomTTL time.Duration
	MaxCachedEvents int
	MaxSlices       int
	CheckUserOnJoin bool
	DeleteNullProps bool
	QueueSize       int

	// PluginFactory builds the plugin instance for a new room, nil for none.
	PluginFactory func(roomName string) plugin.Plugin
	Replicator    replication.Notifier
	States        storage.StateStore
	Logger        *log.Logger
	Clock         func() time.Time
}

type entry struct {
	engine *room.Engine
	cancel context.CancelFunc
}

// Directory maps room names to running engines.
type Directory struct {
	opts   Options
	logger *log.Logger

	mu    sync.Mutex
	rooms map[string]*entry

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates an empty directory. Start must run before rooms are created.
func New(opts Options) *Directory {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "directory: ", log.LstdFlags)
	}
	return &Directory{
		opts:   opts,
		logger: logger,
		rooms:  make(map[string]*entry),
		ctx:    context.Background(),
	}
}

// Start binds the directory to the process lifetime. Room goroutines stop
// when ctx ends; Wait blocks until they have.
func (d *Directory) Start(ctx context.Context) {
	d.ctx = ctx
}

// Wait blocks until every room goroutine has stopped.
func (d *Directory) Wait() {
	d.wg.Wait()
}

// Count returns the number of live rooms.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// Get returns the engine for a live room.
func (d *Directory) Get(roomName string) (*room.Engine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rooms[roomName]
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Create registers a brand-new room. It fails when a room with the name is
// already live or has a persisted snapshot awaiting rejoins.
func (d *Directory) Create(ctx context.Context, roomName string) (*room.Engine, error) {
	if roomName == "" {
		return nil, apperrors.New(apperrors.CodeOperationInvalid, "room name must not be empty")
	}
	if _, ok := d.Get(roomName); ok {
		return nil, apperrors.WithMetadata(apperrors.CodeGameIDAlreadyExists,
			"a game with this id already exists",
			map[string]string{"room": roomName})
	}
	if d.opts.States != nil {
		if _, err := d.opts.States.LoadState(ctx, roomName); err == nil {
			return nil, apperrors.WithMetadata(apperrors.CodeGameIDAlreadyExists,
				"a game with this id is evicted but still restorable",
				map[string]string{"room": roomName})
		}
	}
	return d.register(room.New(d.roomConfig(roomName)))
}

// GetOrJoin resolves the engine a join should run against. A missing room is
// restored from the state store when a snapshot exists; otherwise it is
// created when the join mode allows that, or the lookup fails. created
// reports whether the caller's join is the session-creating one.
func (d *Directory) GetOrJoin(ctx context.Context, roomName string, createIfMissing bool) (engine *room.Engine, created bool, err error) {
	if roomName == "" {
		return nil, false, apperrors.New(apperrors.CodeOperationInvalid, "room name must not be empty")
	}
	if engine, ok := d.Get(roomName); ok {
		return engine, false, nil
	}

	if d.opts.States != nil {
		record, loadErr := d.opts.States.LoadState(ctx, roomName)
		if loadErr == nil {
			restored, restoreErr := room.Restore(d.roomConfig(roomName), record.Data)
			if restoreErr != nil {
				d.logger.Printf("restore %s: %v", roomName, restoreErr)
			} else {
				engine, err := d.register(restored)
				return engine, false, err
			}
		} else if !apperrors.IsCode(loadErr, apperrors.CodeNotFound) {
			d.logger.Printf("load state %s: %v", roomName, loadErr)
		}
	}

	if !createIfMissing {
		return nil, false, apperrors.WithMetadata(apperrors.CodeGameIDNotExists,
			"no game with this id exists",
			map[string]string{"room": roomName})
	}
	engine, err = d.register(room.New(d.roomConfig(roomName)))
	return engine, true, err
}

func (d *Directory) roomConfig(roomName string) room.Config {
	return room.Config{
		Name:            roomName,
		MaxEmptyRoomTTL: d.opts.MaxEmptyRoomTTL,
		MaxCachedEvents: d.opts.MaxCachedEvents,
		MaxSlices:       d.opts.MaxSlices,
		CheckUserOnJoin: d.opts.CheckUserOnJoin,
		DeleteNullProps: d.opts.DeleteNullProps,
		Clock:           d.opts.Clock,
	}
}

// register inserts the room under the lock and spawns its goroutine. A
// concurrent insert of the same name loses to the first one.
func (d *Directory) register(r *room.Room) (*room.Engine, error) {
	var plug plugin.Plugin
	if d.opts.PluginFactory != nil {
		plug = d.opts.PluginFactory(r.Name())
	}
	engine := room.NewEngine(room.EngineOptions{
		Room:       r,
		Plugin:     plug,
		Replicator: d.opts.Replicator,
		States:     d.opts.States,
		QueueSize:  d.opts.QueueSize,
		OnDisposed: d.remove,
	})

	d.mu.Lock()
	if _, exists := d.rooms[r.Name()]; exists {
		d.mu.Unlock()
		return nil, apperrors.WithMetadata(apperrors.CodeGameIDAlreadyExists,
			"a game with this id already exists",
			map[string]string{"room": r.Name()})
	}
	roomCtx, cancel := context.WithCancel(d.ctx)
	d.rooms[r.Name()] = &entry{engine: engine, cancel: cancel}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		engine.Run(roomCtx)
	}()
	return engine, nil
}

// remove drops a disposed room. Called from the room's own goroutine; the
// cancel stops its queue drain once the current operation returns.
func (d *Directory) remove(roomName string) {
	d.mu.Lock()
	e, ok := d.rooms[roomName]
	if ok {
		delete(d.rooms, roomName)
	}
	d.mu.Unlock()
	if ok {
		e.cancel()
	}
}
