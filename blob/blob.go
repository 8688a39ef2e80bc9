// Package blob keeps uploaded files in a Pebble database and hands back the URL
// they are served under.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/apperr"
	"chatrelay/models"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// URLPrefix is where the HTTP layer serves stored blobs.
const URLPrefix = "/uploads/"

type Meta struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	MimeType  string             `json:"fileType"`
	Kind      models.ContentKind `json:"kind"`
	Size      int64              `json:"size"`
	CreatedAt time.Time          `json:"createdAt"`
}

// URL is the path clients put in a file message.
func (m Meta) URL() string { return URLPrefix + m.ID }

type Store struct {
	db  *pebble.DB
	log *zap.Logger
}

func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_blob_store", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("blob_store_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.log.Info("blob_store_closed")
	return nil
}

func metaKey(id string) []byte { return []byte("meta:" + id) }
func dataKey(id string) []byte { return []byte("data:" + id) }

// Put stores data and returns its metadata. The kind is decided here, from the
// declared MIME type, and echoed back to the client with the URL.
func (s *Store) Put(name, mimeType string, data []byte) (*Meta, error) {
	if len(data) == 0 {
		return nil, apperr.Validation("empty file")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	meta := &Meta{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mimeType,
		Kind:      models.KindFromMime(mimeType),
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode blob meta: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(dataKey(meta.ID), data, nil); err != nil {
		return nil, apperr.Store("stage blob", err)
	}
	if err := batch.Set(metaKey(meta.ID), raw, nil); err != nil {
		return nil, apperr.Store("stage blob meta", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.log.Error("save_blob_failed", zap.String("id", meta.ID), zap.Error(err))
		return nil, apperr.Store("save blob", err)
	}
	s.log.Info("blob_saved", zap.String("id", meta.ID), zap.String("type", mimeType), zap.Int64("size", meta.Size))
	return meta, nil
}

// Get returns the metadata and a copy of the stored bytes.
func (s *Store) Get(id string) (*Meta, []byte, error) {
	meta, err := s.Stat(id)
	if err != nil {
		return nil, nil, err
	}
	v, closer, err := s.db.Get(dataKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, apperr.NotFound("file not found")
	}
	if err != nil {
		return nil, nil, apperr.Store("read blob", err)
	}
	defer closer.Close()
	data := make([]byte, len(v))
	copy(data, v)
	return meta, data, nil
}

func (s *Store) Stat(id string) (*Meta, error) {
	v, closer, err := s.db.Get(metaKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, apperr.NotFound("file not found")
	}
	if err != nil {
		return nil, apperr.Store("read blob meta", err)
	}
	defer closer.Close()
	var meta Meta
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, apperr.Store("decode blob meta", err)
	}
	return &meta, nil
}
