package blob_test

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labthings/labthings-go/pkg/blob"
)

func TestBlobLifecycle(t *testing.T) {
	logrus.Infof("--- TestBlobLifecycle ---")
	invocationID := uuid.New()
	manager := blob.NewManager()

	// step 1 an unregistered blob serializes with the local href
	b := blob.New("image/png", []byte{1, 2, 3})
	asJSON, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(asJSON), blob.LocalHref)

	// step 2 registration mints a stable download URL
	manager.Register(invocationID, b)
	href := b.Href()
	assert.Equal(t, "/blob/"+b.ID().String(), href)
	assert.Equal(t, href, b.Href(), "href must be stable across reads")
	assert.Equal(t, b, manager.Get(b.ID()))

	// step 3 content reads back
	reader, err := b.Open()
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	reader.Close()
	assert.Equal(t, []byte{1, 2, 3}, content)

	// step 4 releasing the invocation invalidates the URL
	manager.ReleaseInvocation(invocationID)
	assert.Nil(t, manager.Get(b.ID()))
	assert.Equal(t, blob.LocalHref, b.Href())
	assert.Equal(t, 0, manager.Count())
}

func TestBlobFromFile(t *testing.T) {
	logrus.Infof("--- TestBlobFromFile ---")

	filePath := filepath.Join(t.TempDir(), "result.csv")
	require.NoError(t, os.WriteFile(filePath, []byte("a,b\n1,2\n"), 0600))

	b, err := blob.FromFile("text/csv", filePath)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", b.MediaType())

	reader, err := b.Open()
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	reader.Close()
	assert.Equal(t, "a,b\n1,2\n", string(content))

	_, err = blob.FromFile("text/csv", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
