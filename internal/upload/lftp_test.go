package upload

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/internal/credential"
	"github.com/temoto/muonlink/log2"
)

// not parallel: exec of a just written script may fail with ETXTBSY when another test forks
func writeScript(t testing.TB, dir, body string) string {
	path := filepath.Join(dir, "lftp-mock.sh")
	require.NoError(t, ioutil.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestLftpArgs(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `printf '%s\n' "$@" > `+dir+`/args
printf '%s' "$LFTP_PASSWORD" > `+dir+`/password`)
	l := &Lftp{
		Program:  script,
		URL:      "example.org:/upload",
		DeviceID: "abc123",
		RCPath:   filepath.Join(dir, "rc"),
		Log:      log2.NewTest(t, log2.LDebug),
	}
	file := "/var/muondetector/abc123/notUploadedFiles/data_2026-10-14_10-00-00.dat"
	require.NoError(t, l.Upload(context.Background(), file, testCred))

	args, err := ioutil.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--env-password", "-p", "35221", "-u", "muon", "example.org:/upload", "-e",
		"mkdir abc123 ; cd abc123 && put " + file + " ; exit",
	}, strings.Split(strings.TrimSuffix(string(args), "\n"), "\n"))
	assert.NotContains(t, string(args), testCred.Password)

	password, err := ioutil.ReadFile(filepath.Join(dir, "password"))
	require.NoError(t, err)
	assert.Equal(t, testCred.Password, string(password))
	assert.Equal(t, "", os.Getenv(PasswordEnv))

	rc, err := ioutil.ReadFile(filepath.Join(dir, "rc"))
	require.NoError(t, err)
	assert.Equal(t, rcContent, string(rc))
}

func TestLftpFailure(t *testing.T) {
	dir := t.TempDir()
	l := &Lftp{
		Program: writeScript(t, dir, `echo "mkdir: Access failed: 550" >&2; exit 1`),
		RCPath:  "-",
		Log:     log2.NewTest(t, log2.LDebug),
	}
	err := l.Upload(context.Background(), "/tmp/data_x.dat", testCred)
	require.Error(t, err)
	assert.True(t, helpers.IsKind(err, helpers.KindNetwork))
	assert.Contains(t, err.Error(), "Access failed")
}

func TestLftpTimeout(t *testing.T) {
	dir := t.TempDir()
	l := &Lftp{
		Program: writeScript(t, dir, `exec sleep 5`),
		Timeout: 100 * time.Millisecond,
		RCPath:  "-",
		Log:     log2.NewTest(t, log2.LDebug),
	}
	started := time.Now()
	err := l.Upload(context.Background(), "/tmp/data_x.dat", testCred)
	require.Error(t, err)
	assert.True(t, helpers.IsKind(err, helpers.KindNetwork))
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, int64(time.Since(started)), int64(4*time.Second))
}

func TestLftpTimeoutKillsChildren(t *testing.T) {
	dir := t.TempDir()
	// shell stays parent, sleep inherits output pipe
	l := &Lftp{
		Program: writeScript(t, dir, "sleep 3\nexit 1"),
		Timeout: 100 * time.Millisecond,
		RCPath:  "-",
		Log:     log2.NewTest(t, log2.LDebug),
	}
	started := time.Now()
	err := l.Upload(context.Background(), "/tmp/data_x.dat", testCred)
	require.Error(t, err)
	assert.True(t, helpers.IsKind(err, helpers.KindNetwork))
	assert.Contains(t, err.Error(), "timeout=100ms")
	assert.Less(t, int64(time.Since(started)), int64(2*time.Second))
}

func TestLftpCancel(t *testing.T) {
	dir := t.TempDir()
	l := &Lftp{
		Program: writeScript(t, dir, "sleep 3\nexit 1"),
		RCPath:  "-",
		Log:     log2.NewTest(t, log2.LDebug),
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	started := time.Now()
	err := l.Upload(ctx, "/tmp/data_x.dat", testCred)
	require.Error(t, err)
	assert.True(t, helpers.IsKind(err, helpers.KindNetwork))
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Less(t, int64(time.Since(started)), int64(2*time.Second))
}

func TestLftpNoUsername(t *testing.T) {
	t.Parallel()
	l := &Lftp{Program: "/nonexistent", RCPath: "-"}
	assert.Error(t, l.Upload(context.Background(), "/tmp/x.dat", credential.Credential{Password: "p"}))
}

func TestEnsureRC(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, ".lftp", "rc")
	l := &Lftp{RCPath: path, Log: log2.NewTest(t, log2.LDebug)}

	require.NoError(t, l.ensureRC())
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, rcContent, string(b))

	// short rc is replaced
	require.NoError(t, ioutil.WriteFile(path, []byte("x\n"), 0644))
	require.NoError(t, l.ensureRC())
	b, _ = ioutil.ReadFile(path)
	assert.Equal(t, rcContent, string(b))

	// user rc is kept
	custom := "set net:timeout 30\nset ssl:verify-certificate yes\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(custom), 0644))
	require.NoError(t, l.ensureRC())
	b, _ = ioutil.ReadFile(path)
	assert.Equal(t, custom, string(b))
}
