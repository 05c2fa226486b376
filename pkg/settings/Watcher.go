package settings

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/property"
)

// Watcher reloads a Thing's settings file when it is edited outside the
// server. Reloads go through the same validated load path as startup; the
// store's own atomic saves are recognized by content comparison and skipped.
type Watcher struct {
	store        *Store
	thingName    string
	settingsList []property.Persistent
	onReload     func()
	fsWatcher    *fsnotify.Watcher
	done         chan struct{}
}

// Watch starts watching a thing's settings file. onReload runs after an
// external edit has been loaded, so the server can publish the new values.
// Close the watcher when the server stops.
func (store *Store) Watch(thingName string, settingsList []property.Persistent, onReload func()) (*Watcher, error) {
	folder := filepath.Dir(store.FilePath(thingName))
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fsWatcher.Add(folder); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	watcher := &Watcher{
		store:        store,
		thingName:    thingName,
		settingsList: settingsList,
		onReload:     onReload,
		fsWatcher:    fsWatcher,
		done:         make(chan struct{}),
	}
	go watcher.run()
	logrus.Infof("Store.Watch: watching settings of thing '%s' in %s", thingName, folder)
	return watcher, nil
}

// Close stops the watcher
func (watcher *Watcher) Close() {
	_ = watcher.fsWatcher.Close()
	<-watcher.done
}

func (watcher *Watcher) run() {
	defer close(watcher.done)
	filePath := watcher.store.FilePath(watcher.thingName)
	for {
		select {
		case event, open := <-watcher.fsWatcher.Events:
			if !open {
				return
			}
			if event.Name != filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			watcher.reloadIfChanged(filePath)
		case err, open := <-watcher.fsWatcher.Errors:
			if !open {
				return
			}
			logrus.Warningf("Watcher.run: watching settings of thing '%s': %s", watcher.thingName, err)
		}
	}
}

// reloadIfChanged loads the file unless it matches the store's own latest
// save (the rename that completed an atomic Save)
func (watcher *Watcher) reloadIfChanged(filePath string) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		logrus.Warningf("Watcher.reloadIfChanged: cannot read '%s': %s", filePath, err)
		return
	}
	if bytes.Equal(raw, watcher.store.lastSavedBytes(watcher.thingName)) {
		return
	}
	logrus.Infof("Watcher.reloadIfChanged: settings of thing '%s' changed on disk, reloading",
		watcher.thingName)
	watcher.store.Load(watcher.thingName, watcher.settingsList)
	if watcher.onReload != nil {
		watcher.onReload()
	}
}
