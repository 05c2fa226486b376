// Package settings persists Thing settings as one JSON document per Thing,
// {root}/{thing}/settings.json, written atomically on every change.
//
// Persistence failures never propagate: loading falls back to defaults with
// a warning, saving logs the error and abandons the write.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/property"
)

// FileName of the per-thing settings document
const FileName = "settings.json"

// Store reads and writes the settings documents under one root folder.
// Saves to the same Thing serialize through a per-thing mutex.
type Store struct {
	root string

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
	// lastSaved keeps the bytes of each thing's latest save so the watcher
	// can tell our own writes from external edits
	lastSaved map[string][]byte
}

// NewStore creates a settings store rooted at the given folder
func NewStore(root string) *Store {
	return &Store{
		root:      root,
		fileLocks: make(map[string]*sync.Mutex),
		lastSaved: make(map[string][]byte),
	}
}

// Root folder of the store
func (store *Store) Root() string {
	return store.root
}

// FilePath of a thing's settings document
func (store *Store) FilePath(thingName string) string {
	return filepath.Join(store.root, thingName, FileName)
}

func (store *Store) fileLock(thingName string) *sync.Mutex {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, found := store.fileLocks[thingName]
	if !found {
		lock = &sync.Mutex{}
		store.fileLocks[thingName] = lock
	}
	return lock
}

// Load applies a thing's persisted settings. A missing file or malformed
// JSON leaves the defaults in place; unknown keys are warned about and
// ignored; read-only settings are never overwritten from disk. Values are
// stored silently, without change events or saves.
func (store *Store) Load(thingName string, settingsList []property.Persistent) {
	filePath := store.FilePath(thingName)
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Debugf("Store.Load: no settings file for thing '%s', using defaults", thingName)
		} else {
			logrus.Warningf("Store.Load: cannot read settings of thing '%s': %s", thingName, err)
		}
		return
	}

	var document map[string]json.RawMessage
	if err = json.Unmarshal(raw, &document); err != nil {
		logrus.Warningf("Store.Load: settings file '%s' is not a JSON object, using defaults: %s",
			filePath, err)
		return
	}

	byName := make(map[string]property.Persistent, len(settingsList))
	for _, setting := range settingsList {
		byName[setting.Name()] = setting
	}

	loaded := 0
	for key, value := range document {
		setting, known := byName[key]
		if !known {
			logrus.Warningf("Store.Load: thing '%s' has no setting '%s', ignoring stored value",
				thingName, key)
			continue
		}
		if setting.ReadOnly() {
			logrus.Debugf("Store.Load: setting '%s' of thing '%s' is read-only, keeping its default",
				key, thingName)
			continue
		}
		if err = setting.LoadStored(value); err != nil {
			logrus.Warningf("Store.Load: thing '%s': %s", thingName, err)
			continue
		}
		loaded++
	}
	logrus.Infof("Store.Load: loaded %d setting(s) for thing '%s' from %s", loaded, thingName, filePath)
}

// Save writes the full settings snapshot of a thing, read through each
// setting's normal getter, atomically (write-then-rename). Errors are logged
// and the write abandoned.
func (store *Store) Save(thingName string, settingsList []property.Persistent) {
	if len(settingsList) == 0 {
		return
	}
	lock := store.fileLock(thingName)
	lock.Lock()
	defer lock.Unlock()

	snapshot := make(map[string]interface{}, len(settingsList))
	for _, setting := range settingsList {
		value, err := setting.ReadValue()
		if err != nil {
			logrus.Warningf("Save: cannot read setting '%s' of thing '%s': %s",
				setting.Name(), thingName, err)
			continue
		}
		snapshot[setting.Name()] = value
	}

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		logrus.Errorf("Save: cannot serialize settings of thing '%s': %s", thingName, err)
		return
	}

	filePath := store.FilePath(thingName)
	folder := filepath.Dir(filePath)
	if err = os.MkdirAll(folder, 0755); err != nil {
		logrus.Errorf("Save: cannot create settings folder '%s': %s", folder, err)
		return
	}
	tempPath := filePath + ".tmp"
	if err = os.WriteFile(tempPath, raw, 0644); err != nil {
		logrus.Errorf("Save: cannot write settings of thing '%s': %s", thingName, err)
		return
	}
	if err = os.Rename(tempPath, filePath); err != nil {
		logrus.Errorf("Save: cannot replace settings file '%s': %s", filePath, err)
		_ = os.Remove(tempPath)
		return
	}

	store.mu.Lock()
	store.lastSaved[thingName] = raw
	store.mu.Unlock()
	logrus.Debugf("Save: wrote %d setting(s) of thing '%s' to %s", len(snapshot), thingName, filePath)
}

// lastSavedBytes returns the content of the thing's latest save, or nil
func (store *Store) lastSavedBytes(thingName string) []byte {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.lastSaved[thingName]
}
