// Package credential keeps operator login encrypted at rest.
//
// File format: 16 byte random IV followed by AES-CFB ciphertext of "username;password".
// Key is SHA-256 of the device hardware address, so key material never touches disk.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/muonlink/helpers"
	"github.com/temoto/muonlink/log2"
)

const (
	Delimiter = ";"
	FileName  = "loginData.save"
	FilePerm  = 0600
	ivSize    = aes.BlockSize
)

type Credential struct {
	Username string
	Password string
}

func (c Credential) Empty() bool { return c.Username == "" && c.Password == "" }

// Store is not safe for concurrent use, owner is the event loop.
type Store struct {
	log  *log2.Log
	path string
	key  []byte
	rand io.Reader
	cred *Credential
}

func NewStore(path string, key []byte, log *log2.Log) *Store {
	return &Store{
		log:  log,
		path: path,
		key:  key,
		rand: rand.Reader,
	}
}

func (self *Store) Path() string { return self.path }

// Credential returns copy of currently known login.
func (self *Store) Credential() (Credential, bool) {
	if self.cred == nil {
		return Credential{}, false
	}
	return *self.cred, true
}

// Configure loads saved login, then explicit non-empty username or password replaces and persists it.
func (self *Store) Configure(username, password string) error {
	if err := self.Load(); err != nil {
		self.log.Errorf("credential load err=%v", err)
	}
	if username == "" && password == "" {
		return nil
	}
	return self.Save(username, password)
}

func (self *Store) Save(username, password string) error {
	if strings.Contains(username, Delimiter) || strings.Contains(password, Delimiter) {
		return errors.NotValidf("credential must not contain delimiter '%s'", Delimiter)
	}
	if username == "" || password == "" {
		return errors.NotValidf("credential empty username or password")
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(self.rand, iv); err != nil {
		return errors.Annotate(helpers.CryptoError(err), "credential iv")
	}
	stream, err := self.stream(iv, true)
	if err != nil {
		return err
	}
	plain := []byte(username + Delimiter + password)
	b := make([]byte, ivSize+len(plain))
	copy(b, iv)
	stream.XORKeyStream(b[ivSize:], plain)

	f, err := os.OpenFile(self.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return errors.Annotatef(helpers.IOError(err), "credential open path=%s", self.path)
	}
	// existing file could have wider permissions
	if err = f.Chmod(FilePerm); err == nil {
		err = helpers.WriteAll(f, b)
	}
	if errClose := f.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return errors.Annotatef(helpers.IOError(err), "credential write path=%s", self.path)
	}
	self.cred = &Credential{Username: username, Password: password}
	self.log.Debugf("credential saved path=%s", self.path)
	return nil
}

func (self *Store) Load() error {
	b, err := ioutil.ReadFile(self.path)
	if err != nil {
		return errors.Annotatef(helpers.IOError(err), "credential read path=%s", self.path)
	}
	if len(b) < ivSize {
		return errors.Annotatef(helpers.CryptoError(errors.Errorf("read %d bytes, expected iv %d bytes", len(b), ivSize)),
			"credential path=%s", self.path)
	}
	stream, err := self.stream(b[:ivSize], false)
	if err != nil {
		return err
	}
	plain := make([]byte, len(b)-ivSize)
	stream.XORKeyStream(plain, b[ivSize:])

	fields := splitNonEmpty(string(plain), Delimiter)
	if len(fields) < 2 {
		return errors.Annotatef(helpers.CryptoError(errors.Errorf("decrypted fields=%d expected 2", len(fields))),
			"credential path=%s", self.path)
	}
	self.cred = &Credential{Username: fields[0], Password: fields[1]}
	return nil
}

func (self *Store) stream(iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(self.key)
	if err != nil {
		return nil, errors.Annotate(helpers.CryptoError(err), "credential key")
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := parts[:0]
	for _, p := range parts {
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
