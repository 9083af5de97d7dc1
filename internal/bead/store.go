package bead

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("bead store closed")
	ErrHashMismatch = errors.New("bead content hash mismatch")
	ErrChainBroken  = errors.New("bead chain pointer broken")
)

// Config controls segment layout and durability.
type Config struct {
	Dir             string
	FilePrefix      string
	SegmentMaxBytes int64
	SyncInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = "beads"
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = 16 << 20
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = time.Second
	}
	return c
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("bead dir is empty")
	}
	if c.SegmentMaxBytes < 0 {
		return fmt.Errorf("segmentMaxBytes must be >= 0")
	}
	return nil
}

// Store is an append-only, hash-chained record store backed by JSONL
// segments. There is no update or delete path; Append is the only writer.
type Store struct {
	cfg Config

	mu       sync.Mutex
	beads    []Bead
	file     *os.File
	buf      *bufio.Writer
	fileSize int64
	segID    uint64
	lastSync time.Time
	closed   bool
}

// Open loads any existing segments in cfg.Dir and resumes the chain.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{cfg: cfg}
	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append marshals the payload, hashes it, links it to the current head
// and writes it to the active segment. Safe for concurrent writers.
func (s *Store) Append(t Type, payload any) (Bead, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Bead{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Bead{}, ErrClosed
	}

	b := Bead{
		ID:          uuid.New(),
		Type:        t,
		CreatedAt:   time.Now().UTC(),
		PrevID:      s.headIDLocked(),
		ContentHash: HashPayload(raw),
		Payload:     raw,
	}
	if err := s.writeLocked(b); err != nil {
		return Bead{}, err
	}
	s.beads = append(s.beads, b)
	return b, nil
}

// Head returns the most recent bead.
func (s *Store) Head() (Bead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.beads) == 0 {
		return Bead{}, false
	}
	return s.beads[len(s.beads)-1], true
}

// Len returns the number of beads in the chain.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beads)
}

// All returns a copy of the full chain in append order.
func (s *Store) All() []Bead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bead, len(s.beads))
	copy(out, s.beads)
	return out
}

// ByType returns all beads of the given type in append order.
func (s *Store) ByType(t Type) []Bead {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Bead
	for _, b := range s.beads {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// VerifyChain recomputes every content hash and walks the chain pointers.
// Any mismatch is a fatal integrity violation for the caller to act on.
func (s *Store) VerifyChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return verify(s.beads)
}

// Close flushes and syncs the active segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeSegmentLocked()
}

// Verify walks an arbitrary chain slice in append order.
func verify(beads []Bead) error {
	prev := uuid.Nil
	for i, b := range beads {
		if !b.Verify() {
			return fmt.Errorf("bead %s (index %d): %w", b.ID, i, ErrHashMismatch)
		}
		if b.PrevID != prev {
			return fmt.Errorf("bead %s (index %d): %w", b.ID, i, ErrChainBroken)
		}
		prev = b.ID
	}
	return nil
}

func (s *Store) headIDLocked() uuid.UUID {
	if len(s.beads) == 0 {
		return uuid.Nil
	}
	return s.beads[len(s.beads)-1].ID
}

func (s *Store) writeLocked(b Bead) error {
	line, err := json.Marshal(b)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if s.file == nil || (s.cfg.SegmentMaxBytes > 0 && s.fileSize+int64(len(line)) > s.cfg.SegmentMaxBytes) {
		if err := s.closeSegmentLocked(); err != nil {
			return err
		}
		if err := s.openSegmentLocked(); err != nil {
			return err
		}
	}
	if _, err := s.buf.Write(line); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.fileSize += int64(len(line))

	now := time.Now()
	if now.Sub(s.lastSync) >= s.cfg.SyncInterval {
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.lastSync = now
	}
	return nil
}

func (s *Store) openSegmentLocked() error {
	for {
		s.segID++
		name := fmt.Sprintf("%s-%06d.jsonl", s.cfg.FilePrefix, s.segID)
		path := filepath.Join(s.cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return err
		}
		s.file = file
		s.buf = bufio.NewWriter(file)
		s.fileSize = 0
		s.lastSync = time.Now()
		return nil
	}
}

func (s *Store) closeSegmentLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return err
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return err
	}
	err := s.file.Close()
	s.file = nil
	s.buf = nil
	return err
}

func (s *Store) loadSegments() error {
	names, err := segmentNames(s.cfg.Dir, s.cfg.FilePrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.loadSegment(filepath.Join(s.cfg.Dir, name)); err != nil {
			return err
		}
		s.segID++
	}
	return verify(s.beads)
}

func (s *Store) loadSegment(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var b Bead
		if err := json.Unmarshal(line, &b); err != nil {
			return fmt.Errorf("segment %s: %w", path, err)
		}
		s.beads = append(s.beads, b)
	}
	return scanner.Err()
}

func segmentNames(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
