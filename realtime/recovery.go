package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// RecoveryInfo is what survives a process restart: enough for the next
// connection attempt to ask the server to resume the previous one.
type RecoveryInfo struct {
	ConnectionKey string    `json:"connection_key"`
	MsgSerial     int64     `json:"msg_serial"` // next outbound serial at save time
	SavedAt       time.Time `json:"saved_at"`
}

// RecoveryStore persists recovery info between client lifetimes.
// Load returns (nil, nil) when nothing is stored.
type RecoveryStore interface {
	Load() (*RecoveryInfo, error)
	Save(info *RecoveryInfo) error
	Clear() error
}

var ErrRecoveryTampered = errors.New("realtime: recovery file failed integrity check")

// fileRecord is the JSON structure persisted to disk: the payload plus an
// HMAC over it, so a corrupted or edited file is detected on load instead
// of producing a bogus resume request.
type fileRecord struct {
	Info RecoveryInfo `json:"info"`
	Sig  string       `json:"sig"`
}

// FileRecoveryStore keeps recovery info in a single JSON file, signed with
// an HMAC-SHA256 over the payload. Suitable for one client per path.
type FileRecoveryStore struct {
	mu     sync.Mutex
	path   string
	secret []byte
}

// NewFileRecoveryStore creates a store at the given path. The secret keys
// the integrity check and should be stable across restarts; at least 32
// random bytes, from an environment variable or secrets manager.
func NewFileRecoveryStore(path string, secret []byte) *FileRecoveryStore {
	return &FileRecoveryStore{path: path, secret: secret}
}

func (s *FileRecoveryStore) Load() (*RecoveryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil // fresh start, nothing to recover
	}
	if err != nil {
		return nil, err
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("realtime: recovery file unreadable: %w", err)
	}
	if err := s.verify(&rec); err != nil {
		return nil, err
	}
	return &rec.Info, nil
}

func (s *FileRecoveryStore) Save(info *RecoveryInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := fileRecord{Info: *info}
	rec.Sig = s.sign(&rec.Info)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename; atomic on most systems
	// prevents a corrupt file if the process crashes mid-write
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileRecoveryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// sign computes hex(HMAC-SHA256(secret, canonical payload)).
func (s *FileRecoveryStore) sign(info *RecoveryInfo) string {
	payload, _ := json.Marshal(info)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks the stored signature in constant time.
func (s *FileRecoveryStore) verify(rec *fileRecord) error {
	expected := s.sign(&rec.Info)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(rec.Sig)) != 1 {
		return ErrRecoveryTampered
	}
	return nil
}
