package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "orderbot/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.orders.jsonl
//   - <prefix>.audit.jsonl
//
// Reads scan the file and keep the newest records in a ring.
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	ordersPath string
	auditPath  string
	ordersFile *os.File
	auditFile  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		ordersPath: prefix + ".orders.jsonl",
		auditPath:  prefix + ".audit.jsonl",
	}
	var err error
	if s.ordersFile, err = openAppend(s.ordersPath); err != nil {
		return nil, err
	}
	if s.auditFile, err = openAppend(s.auditPath); err != nil {
		_ = s.ordersFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.ordersFile, &s.auditFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOrder(ctx context.Context, r OrderRecord) error {
	return s.append(ctx, &s.ordersFile, r)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.append(ctx, &s.auditFile, e)
}

func (s *fileStore) append(ctx context.Context, f **os.File, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if *f == nil {
		return ErrClosed
	}
	_, err = (*f).Write(append(b, '\n'))
	return err
}

func (s *fileStore) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	return recent[OrderRecord](ctx, s, s.ordersPath, limit)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return recent[AuditEntry](ctx, s, s.auditPath, limit)
}

func recent[T any](ctx context.Context, s *fileStore, path string, limit int) ([]T, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	closed := s.ordersFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]T, 0, limit)
	next, bad := 0, 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			bad++
			continue
		}
		if len(ring) < limit {
			ring = append(ring, v)
		} else {
			ring[next] = v
		}
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if bad > 0 {
		s.log.Debug("skipped unreadable history lines", logx.String("path", path), logx.Int("count", bad))
	}

	out := make([]T, 0, len(ring))
	for i := 0; i < len(ring); i++ {
		// walk backwards from the newest slot
		out = append(out, ring[(next-1-i+2*len(ring))%len(ring)])
	}
	return out, nil
}
