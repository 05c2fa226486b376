package settings_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labthings/labthings-go/pkg/property"
	"github.com/labthings/labthings-go/pkg/settings"
)

func testSettings(t *testing.T) (greeting *property.Setting[string], level *property.Setting[int], list []property.Persistent) {
	var err error
	greeting, err = property.NewSetting("greeting", "Hello")
	require.NoError(t, err)
	level, err = property.NewSetting("level", 5)
	require.NoError(t, err)
	return greeting, level, []property.Persistent{greeting, level}
}

func TestSaveAndLoad(t *testing.T) {
	logrus.Infof("--- TestSaveAndLoad ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	greeting, level, list := testSettings(t)
	_ = greeting.Set("Hi")
	_ = level.Set(7)
	store.Save("thing1", list)

	// the document is one JSON object per thing
	raw, err := os.ReadFile(filepath.Join(root, "thing1", "settings.json"))
	require.NoError(t, err)
	var document map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &document))
	assert.Equal(t, "Hi", document["greeting"])
	assert.Equal(t, 7.0, document["level"])

	// a fresh set of settings picks the values up
	greeting2, level2, list2 := testSettings(t)
	store2 := settings.NewStore(root)
	store2.Load("thing1", list2)
	assert.Equal(t, "Hi", greeting2.Get())
	assert.Equal(t, 7, level2.Get())
}

func TestLoadMissingFile(t *testing.T) {
	logrus.Infof("--- TestLoadMissingFile ---")

	store := settings.NewStore(t.TempDir())
	greeting, level, list := testSettings(t)
	// no file leaves the defaults
	store.Load("thing1", list)
	assert.Equal(t, "Hello", greeting.Get())
	assert.Equal(t, 5, level.Get())
}

func TestLoadMalformedFile(t *testing.T) {
	logrus.Infof("--- TestLoadMalformedFile ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "thing1"), 0755))
	require.NoError(t, os.WriteFile(store.FilePath("thing1"), []byte("not json"), 0644))

	greeting, _, list := testSettings(t)
	store.Load("thing1", list)
	assert.Equal(t, "Hello", greeting.Get())
}

func TestLoadUnknownAndReadOnlyKeys(t *testing.T) {
	logrus.Infof("--- TestLoadUnknownAndReadOnlyKeys ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "thing1"), 0755))
	document := `{"greeting": "Hi", "frozen": "new", "nosuch": 1}`
	require.NoError(t, os.WriteFile(store.FilePath("thing1"), []byte(document), 0644))

	greeting, err := property.NewSetting("greeting", "Hello")
	require.NoError(t, err)
	frozen, err := property.NewSetting("frozen", "default", property.ReadOnly())
	require.NoError(t, err)

	store.Load("thing1", []property.Persistent{greeting, frozen})
	assert.Equal(t, "Hi", greeting.Get())
	// read-only settings keep their default, unknown keys are ignored
	assert.Equal(t, "default", frozen.Get())
}

func TestSaveIsAtomic(t *testing.T) {
	logrus.Infof("--- TestSaveIsAtomic ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	_, _, list := testSettings(t)
	store.Save("thing1", list)

	// no temp file is left behind
	entries, err := os.ReadDir(filepath.Join(root, "thing1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.json", entries[0].Name())
}

func TestWatcherReloadsExternalEdit(t *testing.T) {
	logrus.Infof("--- TestWatcherReloadsExternalEdit ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	greeting, _, list := testSettings(t)
	store.Save("thing1", list)

	reloaded := make(chan struct{}, 1)
	watcher, err := store.Watch("thing1", list, func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	// an external edit is picked up and loaded
	document := `{"greeting": "Edited", "level": 5}`
	require.NoError(t, os.WriteFile(store.FilePath("thing1"), []byte(document), 0644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the external edit")
	}
	assert.Equal(t, "Edited", greeting.Get())
}

func TestWatcherIgnoresOwnSave(t *testing.T) {
	logrus.Infof("--- TestWatcherIgnoresOwnSave ---")

	root := t.TempDir()
	store := settings.NewStore(root)
	greeting, _, list := testSettings(t)
	store.Save("thing1", list)

	reloaded := make(chan struct{}, 8)
	watcher, err := store.Watch("thing1", list, func() {
		reloaded <- struct{}{}
	})
	require.NoError(t, err)
	defer watcher.Close()

	// the store's own save round-trips through the filesystem unnoticed
	_ = greeting.Set("Hi")
	store.Save("thing1", list)

	select {
	case <-reloaded:
		t.Fatal("watcher reloaded the store's own save")
	case <-time.After(500 * time.Millisecond):
	}
}
