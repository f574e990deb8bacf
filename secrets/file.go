package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileVersion = 1
	saltLength  = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

type fileDocument struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Entries map[string]string `json:"entries"`
}

// FileStore keeps every secret in one JSON document. Each value is sealed
// with XChaCha20-Poly1305 under a key derived from the passphrase with
// Argon2id; the entry name is bound as additional data.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
	key  []byte
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads path, or prepares a new document if it does not exist yet.
func OpenFileStore(path, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("[secrets.OpenFileStore] passphrase is required")
	}
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("[secrets.OpenFileStore] failed to generate salt: %w", err)
		}
		s.doc = fileDocument{Version: fileVersion, Salt: base64.StdEncoding.EncodeToString(salt), Entries: map[string]string{}}
	case err != nil:
		return nil, fmt.Errorf("[secrets.OpenFileStore] failed to read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("[secrets.OpenFileStore] failed to parse %s: %w", path, err)
		}
		if s.doc.Version != fileVersion {
			return nil, fmt.Errorf("[secrets.OpenFileStore] unsupported version %d", s.doc.Version)
		}
		if s.doc.Entries == nil {
			s.doc.Entries = map[string]string{}
		}
	}

	salt, err := base64.StdEncoding.DecodeString(s.doc.Salt)
	if err != nil || len(salt) != saltLength {
		return nil, fmt.Errorf("[secrets.OpenFileStore] invalid salt in %s", path)
	}
	s.key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, ok := s.doc.Entries[key]
	if !ok {
		return "", false, nil
	}
	value, err := s.open(key, sealed)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.doc.Entries[key]
	if had {
		if current, err := s.open(key, prev); err == nil && current == value {
			return nil
		}
	}
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	s.doc.Entries[key] = sealed
	if err := s.flush(); err != nil {
		if had {
			s.doc.Entries[key] = prev
		} else {
			delete(s.doc.Entries, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.doc.Entries[key]
	if !had {
		return nil
	}
	delete(s.doc.Entries, key)
	if err := s.flush(); err != nil {
		s.doc.Entries[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) seal(key, value string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("[FileStore.seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("[FileStore.seal] failed to generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *FileStore) open(key, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("[FileStore.open] %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], []byte(key))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// flush replaces the file atomically via a temp file and rename.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("[FileStore.flush] failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("[FileStore.flush] %w", err)
	}
	return nil
}
