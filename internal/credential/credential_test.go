package credential

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/device"
	"github.com/temoto/muonlink/log2"
)

func newTestStore(t testing.TB) *Store {
	path := filepath.Join(t.TempDir(), FileName)
	key := device.FromAddress("B8:27:EB:AA:BB:CC").Key()
	return NewStore(path, key, log2.NewTest(t, log2.LDebug))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []Credential{
		{"muon", "secret"},
		{"a", "b"},
		{"detector-042", "p@ss word with spaces and !#$%^&*()"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.Username, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			require.NoError(t, s.Save(c.Username, c.Password))

			fresh := NewStore(s.path, s.key, s.log)
			_, ok := fresh.Credential()
			require.False(t, ok)
			require.NoError(t, fresh.Load())
			got, ok := fresh.Credential()
			require.True(t, ok)
			assert.Equal(t, c, got)
		})
	}
}

func TestSaveFileFormat(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// pre-existing file with wide permissions
	require.NoError(t, ioutil.WriteFile(s.path, []byte("old"), 0644))
	require.NoError(t, s.Save("user", "pass"))

	st, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerm), st.Mode().Perm())
	b, err := ioutil.ReadFile(s.path)
	require.NoError(t, err)
	assert.Len(t, b, ivSize+len("user;pass"))
	assert.NotContains(t, string(b), "pass")

	// fresh IV per save
	require.NoError(t, s.Save("user", "pass"))
	b2, err := ioutil.ReadFile(s.path)
	require.NoError(t, err)
	assert.NotEqual(t, b[:ivSize], b2[:ivSize])
}

func TestSaveInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	assert.Error(t, s.Save("us;er", "pass"))
	assert.Error(t, s.Save("user", ""))
	_, ok := s.Credential()
	assert.False(t, ok)
	_, err := os.Stat(s.path)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveUnwritable(t *testing.T) {
	t.Parallel()
	key := device.FromAddress("B8:27:EB:AA:BB:CC").Key()
	s := NewStore(filepath.Join(t.TempDir(), "missing-dir", FileName), key, log2.NewTest(t, log2.LDebug))
	err := s.Save("user", "pass")
	require.Error(t, err)
	assert.True(t, helpers.IsKind(err, helpers.KindIO), "err=%v", err)
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mangle func(testing.TB, *Store)
		kind   helpers.ErrorKind
	}{
		{"missing", func(t testing.TB, s *Store) {
			require.NoError(t, os.Remove(s.path))
		}, helpers.KindIO},
		{"truncated-iv", func(t testing.TB, s *Store) {
			require.NoError(t, os.Truncate(s.path, ivSize-1))
		}, helpers.KindCrypto},
		{"iv-only", func(t testing.TB, s *Store) {
			require.NoError(t, os.Truncate(s.path, ivSize))
		}, helpers.KindCrypto},
		{"one-field", func(t testing.TB, s *Store) {
			// one ciphertext byte decrypts to exactly one char, at most one field
			require.NoError(t, os.Truncate(s.path, ivSize+1))
		}, helpers.KindCrypto},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t)
			require.NoError(t, s.Save("user", "pass"))
			before, ok := s.Credential()
			require.True(t, ok)

			c.mangle(t, s)
			err := s.Load()
			require.Error(t, err)
			assert.True(t, helpers.IsKind(err, c.kind), "err=%v", err)
			after, ok := s.Credential()
			assert.True(t, ok)
			assert.Equal(t, before, after)
		})
	}
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// nothing saved, nothing given
	require.NoError(t, s.Configure("", ""))
	_, ok := s.Credential()
	assert.False(t, ok)

	require.NoError(t, s.Configure("user", "pass"))
	fresh := NewStore(s.path, s.key, s.log)
	require.NoError(t, fresh.Configure("", ""))
	c, ok := fresh.Credential()
	require.True(t, ok)
	assert.Equal(t, Credential{"user", "pass"}, c)
}
