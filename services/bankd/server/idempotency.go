package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxRequestBody       = 1 << 20
)

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord caches a response for an idempotency key together with
// the fingerprint of the request body that produced it.
type IdempotencyRecord struct {
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists responses in BoltDB.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OpenIdempotencyStore opens (and migrates) the bolt file at path.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate idempotency store: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now, inflight: make(map[string]struct{})}, nil
}

// Close releases the bolt handle.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached record for key when it has not expired.
func (s *IdempotencyStore) Get(key string) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if record.StatusCode == 0 {
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores record under key.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	now := s.now()
	record.StoredAt = now
	record.ExpiresAt = now.Add(s.ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

func (s *IdempotencyStore) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *IdempotencyStore) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Middleware replays cached responses for repeated Idempotency-Key headers.
// Reusing a key with a different body is a conflict.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if s == nil || idemKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		principal, _ := PrincipalFromContext(r.Context())
		key := idempotencyKey(strings.ToLower(principal.Hex()), r.Method, r.URL.Path, idemKey)
		fingerprint := digest(body)

		if !s.claim(key) {
			writeError(w, r, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer s.release(key)

		record, found, err := s.Get(key)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if found {
			if record.Fingerprint != fingerprint {
				writeError(w, r, http.StatusConflict, "idempotency key reused with a different request body")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		rec := &bufferingRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if !cacheableStatus(rec.status) {
			return
		}
		if err := s.Put(key, IdempotencyRecord{StatusCode: rec.status, Body: rec.body.Bytes(), Fingerprint: fingerprint}); err != nil {
			slog.Warn("bankd/server: store idempotent response", "error", err)
		}
	})
}

// cacheableStatus reports whether a response is final for its key. Limit
// rejections and server errors may succeed once state changes, so a retry
// with the same key runs again.
func cacheableStatus(status int) bool {
	switch {
	case status >= http.StatusInternalServerError:
		return false
	case status == http.StatusConflict, status == http.StatusLocked, status == http.StatusTooManyRequests:
		return false
	}
	return true
}

func idempotencyKey(parts ...string) string {
	return digest([]byte(strings.Join(parts, "\x00")))
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type bufferingRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferingRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bufferingRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
