package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"confidentialscore/internal/identity"
)

// Journal durably records score records. Replay must yield records in first-submission order.
type Journal interface {
	Put(ctx context.Context, rec ScoreRecord) error
	Replay(ctx context.Context, fn func(ScoreRecord) error) error
}

// FileJournal keeps the whole ledger as one JSON snapshot file, rewritten on every Put.
type FileJournal struct {
	path string

	mu      sync.Mutex
	order   []identity.Address
	records map[identity.Address]ScoreRecord
	loaded  bool
}

type snapshot struct {
	Records []ScoreRecord `json:"records"`
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path, records: make(map[identity.Address]ScoreRecord)}
}

func (j *FileJournal) load() error {
	if j.loaded {
		return nil
	}
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		j.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	var s snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return err
	}
	for _, r := range s.Records {
		if _, ok := j.records[r.Owner]; !ok {
			j.order = append(j.order, r.Owner)
		}
		j.records[r.Owner] = r
	}
	j.loaded = true
	return nil
}

// Put upserts rec and rewrites the snapshot.
func (j *FileJournal) Put(_ context.Context, rec ScoreRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.load(); err != nil {
		return err
	}
	prev, existed := j.records[rec.Owner]
	j.records[rec.Owner] = rec
	if !existed {
		j.order = append(j.order, rec.Owner)
	}
	if err := j.save(); err != nil {
		if existed {
			j.records[rec.Owner] = prev
		} else {
			delete(j.records, rec.Owner)
			j.order = j.order[:len(j.order)-1]
		}
		return err
	}
	return nil
}

func (j *FileJournal) save() error {
	s := snapshot{Records: make([]ScoreRecord, 0, len(j.order))}
	for _, a := range j.order {
		s.Records = append(s.Records, j.records[a])
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

// Replay loads the snapshot and calls fn for each record in order.
func (j *FileJournal) Replay(ctx context.Context, fn func(ScoreRecord) error) error {
	j.mu.Lock()
	if err := j.load(); err != nil {
		j.mu.Unlock()
		return err
	}
	recs := make([]ScoreRecord, 0, len(j.order))
	for _, a := range j.order {
		recs = append(recs, j.records[a])
	}
	j.mu.Unlock()

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
