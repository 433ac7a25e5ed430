package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	sigsyaml "sigs.k8s.io/yaml"

	"apiary/pkg/logging"
)

// EventType classifies repository change events.
type EventType int

const (
	// EventCreate fires after a descriptor was persisted.
	EventCreate EventType = iota
	// EventDelete fires after a descriptor was removed.
	EventDelete
	// EventSync fires when the backing file changed outside this process.
	EventSync
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Event describes one repository change. Descriptor is zero for EventSync.
type Event struct {
	Type       EventType
	Descriptor Descriptor
}

// Handler receives repository change events. Handlers are invoked
// synchronously from the mutator and must not call back into the
// repository.
type Handler func(Event)

// Repository is the persistent set of provider descriptors.
type Repository interface {
	// List returns a snapshot of the current descriptor set.
	List(ctx context.Context) ([]Descriptor, error)
	// Create persists the descriptor and emits EventCreate. No-op if the
	// descriptor is already present.
	Create(ctx context.Context, d Descriptor) error
	// Delete removes the descriptor and emits EventDelete. No-op if absent.
	Delete(ctx context.Context, d Descriptor) error
	// Subscribe registers a change handler and returns its cancel func.
	Subscribe(h Handler) (cancel func())
}

// configFile is the persisted document: a mapping with a single
// "providers" key holding an ordered list of descriptor records.
type configFile struct {
	Providers []Descriptor `json:"providers"`
}

// FileRepository stores the provider list in a single document on disk.
// Reads accept both JSON and YAML; writes emit canonical JSON and replace
// the file atomically (write-temp-then-rename).
type FileRepository struct {
	path string

	mu          sync.Mutex
	subMu       sync.Mutex
	subscribers map[int]Handler
	nextSubID   int
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository creates a repository backed by the document at path.
// The file does not need to exist yet.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path:        path,
		subscribers: make(map[int]Handler),
	}
}

// List returns a snapshot of the persisted descriptor set. An unreadable
// or malformed document is logged and treated as empty so the service
// keeps running.
func (r *FileRepository) List(ctx context.Context) ([]Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(), nil
}

// Create persists the descriptor if it is not already present.
func (r *FileRepository) Create(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid provider descriptor: %w", err)
	}

	r.mu.Lock()
	providers := r.read()
	for _, existing := range providers {
		if existing == d {
			r.mu.Unlock()
			return nil
		}
	}
	providers = append(providers, d)
	err := r.write(providers)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notify(Event{Type: EventCreate, Descriptor: d})
	return nil
}

// Delete removes the descriptor if present.
func (r *FileRepository) Delete(ctx context.Context, d Descriptor) error {
	r.mu.Lock()
	providers := r.read()
	remaining := providers[:0]
	for _, existing := range providers {
		if existing != d {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == len(providers) {
		r.mu.Unlock()
		return nil
	}
	err := r.write(remaining)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notify(Event{Type: EventDelete, Descriptor: d})
	return nil
}

// Subscribe registers a handler for change events. The returned cancel
// func removes it; events emitted after cancel returns do not reach the
// handler, but an event whose delivery had already begun may still do so.
func (r *FileRepository) Subscribe(h Handler) (cancel func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = h

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

// Watch emits EventSync whenever the backing file is modified on disk,
// including by other processes. It returns once the watcher is installed
// and keeps running until the context is cancelled. Self-inflicted
// events are not filtered out; consumers reconcile idempotently.
func (r *FileRepository) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					logging.Debug("Repository", "Provider list changed on disk (%s)", event.Op)
					r.notify(Event{Type: EventSync})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Repository", "File watcher error: %v", err)
			}
		}
	}()

	return nil
}

func (r *FileRepository) notify(event Event) {
	r.subMu.Lock()
	handlers := make([]Handler, 0, len(r.subscribers))
	for _, h := range r.subscribers {
		handlers = append(handlers, h)
	}
	r.subMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// read loads the current descriptor list. Caller holds r.mu.
func (r *FileRepository) read() []Descriptor {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Repository", "Failed to read provider list at %s, treating as empty: %v", r.path, err)
		}
		return nil
	}

	var cfg configFile
	// sigs.k8s.io/yaml converts YAML to JSON before unmarshalling, so the
	// reader accepts both encodings.
	if err := sigsyaml.Unmarshal(data, &cfg); err != nil {
		logging.Warn("Repository", "Malformed provider list at %s, treating as empty: %v", r.path, err)
		return nil
	}
	return cfg.Providers
}

// write atomically replaces the document. Caller holds r.mu.
func (r *FileRepository) write(providers []Descriptor) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if providers == nil {
		providers = []Descriptor{}
	}
	data, err := json.MarshalIndent(configFile{Providers: providers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode provider list: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".providers-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write provider list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write provider list: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace provider list: %w", err)
	}
	return nil
}
