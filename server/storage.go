package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrBlobOutsideStore = errors.New("blob path escapes storage root")

// BlobStore keeps voice and avatar payloads on disk so the database
// only carries references. All writes happen on the persistence worker.
type BlobStore struct {
	root string
}

func NewBlobStore(root string) (*BlobStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "voice"), filepath.Join(root, "avatars")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &BlobStore{root: root}, nil
}

// SaveVoice writes a voice payload under a unique name and returns the
// path to reference from the message row.
func (b *BlobStore) SaveVoice(sender string, data []byte) (string, error) {
	name := "voice_" + sanitizeName(sender) + "_" +
		strconv.FormatInt(time.Now().Unix(), 10) + "_" + randomSuffix() + ".wav"
	path := filepath.Join(b.root, "voice", name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// SaveAvatar writes a user's avatar. Uniqueness per upload keeps older
// references in flight valid.
func (b *BlobStore) SaveAvatar(username string, data []byte) (string, error) {
	name := "avatar_" + sanitizeName(username) + "_" +
		strconv.FormatInt(time.Now().Unix(), 10) + "_" + randomSuffix() + ".png"
	path := filepath.Join(b.root, "avatars", name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads a stored blob back. Paths come from the database, but the
// store still refuses anything outside its root.
func (b *BlobStore) Read(path string) ([]byte, error) {
	cleanRoot, err := filepath.Abs(b.root)
	if err != nil {
		return nil, err
	}
	cleanPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, ErrBlobOutsideStore
	}
	return os.ReadFile(cleanPath)
}

// sanitizeName keeps usernames from injecting path separators into
// blob filenames.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func randomSuffix() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
