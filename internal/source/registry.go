// Package source is the mountpoint registry connecting RTMP publishers to
// in-process consumers of their decoded audio and video.
package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"mseingest/pkg/models"
)

// DefaultBufferSize is the number of packets a mountpoint queues before
// WriteAudio/WriteVideo block.
const DefaultBufferSize = 256

var (
	ErrNotFound         = errors.New("mountpoint not found")
	ErrOccupied         = errors.New("mountpoint already has a publisher")
	ErrAlreadyListening = errors.New("mountpoint already registered")
	ErrClosed           = errors.New("mountpoint closed")
)

// ConnectError is returned by Connect when a publisher cannot be bound to a
// mountpoint. It wraps ErrNotFound, ErrOccupied or ErrClosed.
type ConnectError struct {
	Name string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to mountpoint %q: %v", e.Name, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type entry struct {
	mp      *models.Mountpoint
	packets chan Packet
	done    chan struct{}
	once    sync.Once
	sender  *Sender
}

func (e *entry) shutdown() {
	e.once.Do(func() { close(e.done) })
}

// Registry holds the named mountpoints. It is created once at startup,
// shared by the RTMP server and the consumers, and closed at shutdown.
type Registry struct {
	mountpoints map[string]*entry
	closed      bool
	bufferSize  int
	mu          sync.Mutex
	logger      logrus.FieldLogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		mountpoints: make(map[string]*entry),
		bufferSize:  DefaultBufferSize,
		logger:      logger.WithField("component", "registry"),
	}
}

// SetBufferSize changes the queue size of mountpoints registered afterwards.
func (r *Registry) SetBufferSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= 0 {
		r.bufferSize = n
	}
}

// Listen registers a mountpoint and returns the handle its packets are read from
func (r *Registry) Listen(name string) (*Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.mountpoints[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListening, name)
	}

	e := &entry{
		mp:      models.NewMountpoint(name),
		packets: make(chan Packet, r.bufferSize),
		done:    make(chan struct{}),
	}
	r.mountpoints[name] = e

	r.logger.WithField("mountpoint", name).Info("Mountpoint registered")
	return &Receiver{registry: r, entry: e}, nil
}

// Connect binds a publisher to a registered mountpoint
func (r *Registry) Connect(name, publisher string) (*Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &ConnectError{Name: name, Err: ErrClosed}
	}
	e, exists := r.mountpoints[name]
	if !exists {
		return nil, &ConnectError{Name: name, Err: ErrNotFound}
	}
	if e.sender != nil {
		return nil, &ConnectError{Name: name, Err: ErrOccupied}
	}

	s := &Sender{
		registry:   r,
		entry:      e,
		generation: e.mp.Publish(publisher),
		closed:     make(chan struct{}),
	}
	e.sender = s

	r.logger.WithFields(logrus.Fields{
		"mountpoint": name,
		"publisher":  publisher,
		"generation": s.generation,
	}).Info("Publisher connected")
	return s, nil
}

// Get returns a snapshot of one mountpoint
func (r *Registry) Get(name string) (models.MountpointInfo, bool) {
	r.mu.Lock()
	e, exists := r.mountpoints[name]
	r.mu.Unlock()

	if !exists {
		return models.MountpointInfo{}, false
	}
	return e.mp.Info(), true
}

// List returns snapshots of all mountpoints, ordered by name
func (r *Registry) List() []models.MountpointInfo {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.mountpoints))
	for _, e := range r.mountpoints {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]models.MountpointInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.mp.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// LiveCount returns the number of mountpoints with a connected publisher
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.mountpoints {
		if e.sender != nil {
			count++
		}
	}
	return count
}

// Close unregisters every mountpoint. Pending and future writes fail with
// ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for name, e := range r.mountpoints {
		e.shutdown()
		delete(r.mountpoints, name)
	}
	r.logger.Info("Registry closed")
	return nil
}

func (r *Registry) unlisten(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.shutdown()
	if r.mountpoints[e.mp.Name] == e {
		delete(r.mountpoints, e.mp.Name)
		r.logger.WithField("mountpoint", e.mp.Name).Info("Mountpoint unregistered")
	}
}

func (r *Registry) release(s *Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.entry.sender != s {
		return
	}
	s.entry.sender = nil
	s.entry.mp.Unpublish()
	r.logger.WithFields(logrus.Fields{
		"mountpoint": s.entry.mp.Name,
		"generation": s.generation,
	}).Info("Publisher disconnected")
}
