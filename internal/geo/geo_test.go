package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsNonDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("not a maxmind database"), 0o600))

	_, err := Open(path)
	assert.ErrorContains(t, err, "open geoip database")

	_, err = Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	assert.Error(t, err)
}

func TestLookupWithoutDatabase(t *testing.T) {
	var db *DB
	assert.Equal(t, Location{}, db.Lookup("8.8.8.8"))
	assert.Equal(t, Location{}, (&DB{}).Lookup("proxy.example"))
	assert.NoError(t, db.Close())
}
