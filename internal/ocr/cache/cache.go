// Package cache memoizes OCR results on disk, keyed by image content and
// provider. It is opt-in: OCR output is not assumed to be replayable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/irys/internal/ocr"
)

const bucketName = "ocr_results"

type entry struct {
	Raw      ocr.Raw   `json:"raw"`
	CachedAt time.Time `json:"cachedAt"`
}

// Provider wraps another provider with a BoltDB-backed result cache
type Provider struct {
	db     *bbolt.DB
	next   ocr.Provider
	maxAge time.Duration
	now    func() time.Time
}

// Open creates or opens the cache file at path in front of next. A zero
// maxAge keeps entries forever.
func Open(path string, next ocr.Provider, maxAge time.Duration) (*Provider, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &Provider{db: db, next: next, maxAge: maxAge, now: time.Now}, nil
}

// Key identifies an image for a provider; hints are part of the key since
// providers may use them.
func Key(provider string, img ocr.Image) string {
	h := sha256.New()
	h.Write(img.Data)
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s:%s:%s:%s", provider, img.ContentType, strings.Join(img.Hints, "\x1f"), sum)
}

func (p *Provider) Name() string {
	return p.next.Name()
}

// Extract returns a cached result or asks the wrapped provider. Cache
// failures are logged and never fail the extraction.
func (p *Provider) Extract(ctx context.Context, img ocr.Image) (*ocr.Raw, error) {
	key := Key(p.next.Name(), img)

	if raw, ok := p.get(key); ok {
		slog.Debug("OCR cache hit", "provider", p.next.Name(), "key", key[len(key)-12:])
		return raw, nil
	}

	raw, err := p.next.Extract(ctx, img)
	if err != nil {
		return nil, err
	}

	if err := p.put(key, raw); err != nil {
		slog.Warn("Failed to cache OCR result", "provider", p.next.Name(), "error", err)
	}
	return raw, nil
}

func (p *Provider) get(key string) (*ocr.Raw, bool) {
	var e *entry
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		slog.Warn("Failed to read OCR cache", "error", err)
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	if p.maxAge > 0 && p.now().Sub(e.CachedAt) > p.maxAge {
		return nil, false
	}
	return &e.Raw, true
}

func (p *Provider) put(key string, raw *ocr.Raw) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry{Raw: *raw, CachedAt: p.now()})
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

// Purge removes entries older than maxAge and returns how many it removed
func (p *Provider) Purge(maxAge time.Duration) (int, error) {
	cutoff := p.now().Add(-maxAge)
	removed := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil || e.CachedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (p *Provider) Warmup(ctx context.Context) error {
	return p.next.Warmup(ctx)
}

// Close closes the cache file and the wrapped provider
func (p *Provider) Close() error {
	dbErr := p.db.Close()
	if err := p.next.Close(); err != nil {
		return err
	}
	return dbErr
}
