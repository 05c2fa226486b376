// Package blob with out-of-band binary results produced by actions.
//
// A blob holds bytes in memory or points at a file. Actions create blobs
// through their invocation context; the server's blob manager registers them
// under the owning invocation and mints the download URL. When the invocation
// expires its blobs are released with it.
package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LocalHref is the href of a blob that is not (or no longer) downloadable
const LocalHref = "blob://local"

// Blob is opaque binary data with a media type. It serializes to
// {"href": ..., "media_type": ...}; the bytes are fetched separately.
type Blob struct {
	id        uuid.UUID
	mediaType string
	data      []byte
	filePath  string

	mu   sync.Mutex
	href string
}

// New creates an in-memory blob. Its href stays blob://local until the blob
// is registered with a manager.
func New(mediaType string, data []byte) *Blob {
	return &Blob{
		id:        uuid.New(),
		mediaType: mediaType,
		data:      data,
		href:      LocalHref,
	}
}

// FromFile creates a blob backed by a file on disk
func FromFile(mediaType string, filePath string) (*Blob, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("blob file: %w", err)
	}
	blob := New(mediaType, nil)
	blob.filePath = filePath
	return blob, nil
}

// ID returns the blob's unique ID
func (blob *Blob) ID() uuid.UUID {
	return blob.id
}

// MediaType of the blob content
func (blob *Blob) MediaType() string {
	return blob.mediaType
}

// Href returns the download URL, or blob://local if the blob is unregistered
func (blob *Blob) Href() string {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	return blob.href
}

func (blob *Blob) setHref(href string) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	blob.href = href
}

// Open the blob content for reading
func (blob *Blob) Open() (io.ReadCloser, error) {
	if blob.filePath != "" {
		return os.Open(blob.filePath)
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

// MarshalJSON serializes the blob reference, not its content
func (blob *Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"href":       blob.Href(),
		"media_type": blob.mediaType,
	})
}

type entry struct {
	blob         *Blob
	invocationID uuid.UUID
}

// Manager tracks the blobs of live invocations and mints their URLs.
// The URL of a blob is stable for the lifetime of the server run.
type Manager struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// NewManager creates an empty blob manager
func NewManager() *Manager {
	return &Manager{
		entries: make(map[uuid.UUID]*entry),
	}
}

// Register a blob under its owning invocation and mint its download URL
func (m *Manager) Register(invocationID uuid.UUID, blob *Blob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[blob.ID()] = &entry{blob: blob, invocationID: invocationID}
	blob.setHref("/blob/" + blob.ID().String())
}

// Get returns a registered blob, or nil if the ID is unknown or released
func (m *Manager) Get(blobID uuid.UUID) *Blob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, found := m.entries[blobID]; found {
		return e.blob
	}
	return nil
}

// ReleaseInvocation drops all blobs owned by an expired invocation.
// Their URLs stop resolving; the blobs themselves become blob://local again.
func (m *Manager) ReleaseInvocation(invocationID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for blobID, e := range m.entries {
		if e.invocationID == invocationID {
			e.blob.setHref(LocalHref)
			delete(m.entries, blobID)
			logrus.Debugf("Manager.ReleaseInvocation: released blob %s of invocation %s",
				blobID, invocationID)
		}
	}
}

// Count returns the number of registered blobs
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
