// Package history keeps a tamper-evident record of everything a
// pipeline run executed. The journal is an append-only JSONL file of
// step records, each hash-chained to its predecessor and signed with
// the engine's ed25519 key, so a completed run's history can be
// verified after the fact.
package history

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"matrixci/internal/security"
)

// Record is one journal entry: the outcome of one step of one job
// instance.
type Record struct {
	Seq         int    `json:"seq"`
	Timestamp   string `json:"timestamp"`
	RunID       string `json:"runId"`
	Fingerprint string `json:"fingerprint"`
	JobID       string `json:"jobId"`
	OS          string `json:"os"`
	Version     string `json:"version"`
	Step        string `json:"step"`
	Status      string `json:"status"`
	LogHash     string `json:"logHash"`
	PrevHash    string `json:"prevHash"`
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	PubKey      string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the record
// hash. It intentionally excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Seq         int    `json:"seq"`
		Timestamp   string `json:"timestamp"`
		RunID       string `json:"runId"`
		Fingerprint string `json:"fingerprint"`
		JobID       string `json:"jobId"`
		OS          string `json:"os"`
		Version     string `json:"version"`
		Step        string `json:"step"`
		Status      string `json:"status"`
		LogHash     string `json:"logHash"`
		PrevHash    string `json:"prevHash"`
	}{
		Seq:         r.Seq,
		Timestamp:   r.Timestamp,
		RunID:       r.RunID,
		Fingerprint: r.Fingerprint,
		JobID:       r.JobID,
		OS:          r.OS,
		Version:     r.Version,
		Step:        r.Step,
		Status:      r.Status,
		LogHash:     r.LogHash,
		PrevHash:    r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates sha256 over the canonical fields.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Journal is an append-only, hash-chained record file. Records are
// kept in memory and mirrored to disk as JSON lines.
type Journal struct {
	mu      sync.Mutex
	records []*Record
	path    string
}

// Open loads an existing journal file or starts an empty one.
func Open(path string) (*Journal, error) {
	j := &Journal{
		records: make([]*Record, 0),
		path:    path,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return j, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return j, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "decode journal entry")
		}
		j.records = append(j.records, &rec)
	}
	return j, nil
}

// NewRecord constructs an unchained, unsigned record. Seq, PrevHash,
// Hash and Signature are filled by Append.
func NewRecord(runID, fingerprint, jobID, osName, version, step, status, logHash string) *Record {
	return &Record{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		RunID:       runID,
		Fingerprint: fingerprint,
		JobID:       jobID,
		OS:          osName,
		Version:     version,
		Step:        step,
		Status:      status,
		LogHash:     logHash,
	}
}

// Append chains the record onto the journal, signs it, persists it,
// and keeps it in memory. Seq and PrevHash are assigned here, under
// the lock: concurrent job instances append interleaved but the chain
// stays consistent.
func (j *Journal) Append(rec *Record, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seq = len(j.records)
	rec.PrevHash = ""
	if len(j.records) > 0 {
		rec.PrevHash = j.records[len(j.records)-1].Hash
	}

	h, err := rec.ComputeHash()
	if err != nil {
		return errors.Wrap(err, "compute record hash")
	}
	rec.Hash = h

	if len(priv) == 0 {
		return errors.New("private key is empty, cannot sign record")
	}
	rec.Signature = security.SignData(priv, []byte(rec.Hash))
	rec.PubKey = hex.EncodeToString(pub)

	// Marshal before touching the file so a failure cannot leave a
	// half-written line behind; the record goes out as one write.
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	line = append(line, '\n')

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open journal file")
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "write journal file")
	}

	j.records = append(j.records, rec)
	return nil
}

// NextSeq returns the sequence number the next record should carry.
func (j *Journal) NextSeq() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// LastHash returns the hash of the newest record, or "" for an empty
// journal.
func (j *Journal) LastHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.records) == 0 {
		return ""
	}
	return j.records[len(j.records)-1].Hash
}

// Records returns the in-memory records.
func (j *Journal) Records() []*Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Record, len(j.records))
	copy(out, j.records)
	return out
}

// Verify re-computes every record hash, chain link, sequence number
// and signature to detect tampering.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, rec := range j.records {
		h, err := rec.ComputeHash()
		if err != nil {
			return errors.Wrapf(err, "compute hash for seq %d", rec.Seq)
		}
		if h != rec.Hash {
			return errors.Errorf("hash mismatch at seq %d", rec.Seq)
		}
		if i > 0 && rec.PrevHash != j.records[i-1].Hash {
			return errors.Errorf("prev hash mismatch at seq %d", rec.Seq)
		}
		if rec.Seq != i {
			return errors.Errorf("sequence mismatch: expected %d, got %d", i, rec.Seq)
		}
		if rec.Signature != "" {
			ok, err := security.VerifySignatureFromHex(rec.PubKey, []byte(rec.Hash), rec.Signature)
			if err != nil {
				return errors.Wrapf(err, "verify signature at seq %d", rec.Seq)
			}
			if !ok {
				return errors.Errorf("bad signature at seq %d", rec.Seq)
			}
		}
	}
	return nil
}
