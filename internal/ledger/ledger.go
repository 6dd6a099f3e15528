// Package ledger implements the orchestrator's append-only, hash-chained
// log. Every heartbeat, lifecycle event, and patch-admission outcome in
// the orchestrator passes through here exactly once.
//
// The on-disk format is a sequence of framed records:
//
//	len(4B BE) | seq(8B BE) | ts(8B BE float) | body_len(4B BE) | body(JSON) | hash_prev(32B) | hash_self(32B)
//
// hash_self = SHA-256(seq || ts || body || hash_prev). Readers validate the
// chain on load and reject on mismatch: every hash_self must equal the hash
// of its own record chained against the previous one, for the whole prefix.
//
// File writes and the seq/hash state are guarded by one mutex held across
// each whole Append, so seq is strictly increasing with no gaps.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/errs"
)

// Entry is one record of the append-only log.
type Entry struct {
	Seq      uint64
	TS       float64
	Body     json.RawMessage
	HashPrev [32]byte
	HashSelf [32]byte
}

// Ledger is the append-only, crash-safe log. Appends are serialized by mu
// so seq is totally ordered even under concurrent producers (Runner
// heartbeats, Supervisor lifecycle events, Patch Admission outcomes).
type Ledger struct {
	log zerolog.Logger

	mu       sync.Mutex
	file     *os.File
	seq      uint64
	lastHash [32]byte
	entries  []Entry // in-memory mirror used for Merkle root + verification

	// OnRoot, if set, is invoked whenever ComputeMerkleRoot runs via the
	// cron-driven cadence in RunRootCadence. Nothing in this module sets
	// it; it is left to embedding callers.
	OnRoot func(root string)
}

// Open creates or appends to the ledger file at path. Parent directory must
// already exist; Open does not create it.
func Open(path string, log zerolog.Logger) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &errs.LedgerUnavailable{Err: fmt.Errorf("open %s: %w", path, err)}
	}
	l := &Ledger{file: f, log: log.With().Str("component", "ledger").Logger()}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, &errs.LedgerUnavailable{Err: err}
	}
	return l, nil
}

// replay reads every existing record, validating the hash chain, and seeds
// seq/lastHash/entries from it.
func (l *Ledger) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(l.file)
	var prev [32]byte
	var seq uint64
	var entries []Entry
	for {
		entry, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ledger replay: %w", err)
		}
		if entry.Seq != seq+1 && seq != 0 {
			return fmt.Errorf("ledger replay: gap in sequence at %d", entry.Seq)
		}
		if entry.HashPrev != prev {
			return fmt.Errorf("ledger replay: hash chain broken at seq %d", entry.Seq)
		}
		expected := computeHash(entry.Seq, entry.TS, entry.Body, entry.HashPrev)
		if expected != entry.HashSelf {
			return fmt.Errorf("ledger replay: hash mismatch at seq %d", entry.Seq)
		}
		prev = entry.HashSelf
		seq = entry.Seq
		entries = append(entries, entry)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	l.seq = seq
	l.lastHash = prev
	l.entries = entries
	return nil
}

func computeHash(seq uint64, ts float64, body []byte, hashPrev [32]byte) [32]byte {
	h := sha256.New()
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], math.Float64bits(ts))
	h.Write(tsBuf[:])
	h.Write(body)
	h.Write(hashPrev[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append writes body as the next ledger entry and fsyncs before returning,
// so a crash immediately after Append returns never loses the record.
// Fatal I/O errors surface as errs.LedgerUnavailable, which the
// Supervisor treats as process-fatal.
func (l *Ledger) Append(body any) (uint64, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, &errs.InvalidPayload{Reason: err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := nowSeconds()
	hashSelf := computeHash(seq, ts, data, l.lastHash)
	entry := Entry{Seq: seq, TS: ts, Body: data, HashPrev: l.lastHash, HashSelf: hashSelf}

	if err := writeRecord(l.file, entry); err != nil {
		return 0, &errs.LedgerUnavailable{Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return 0, &errs.LedgerUnavailable{Err: err}
	}

	l.seq = seq
	l.lastHash = hashSelf
	l.entries = append(l.entries, entry)
	l.log.Debug().Uint64("seq", seq).Msg("ledger append")
	return seq, nil
}

// Entries returns a snapshot of the in-memory mirror of the log, ordered by
// seq. Used by tests asserting invariants.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func writeRecord(w io.Writer, e Entry) error {
	bodyLen := uint32(len(e.Body))
	// seq(8) + ts(8) + body_len(4) + body + hash_prev(32) + hash_self(32)
	recLen := 8 + 8 + 4 + len(e.Body) + 32 + 32
	buf := make([]byte, 4+recLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(recLen))
	binary.BigEndian.PutUint64(buf[4:12], e.Seq)
	binary.BigEndian.PutUint64(buf[12:20], math.Float64bits(e.TS))
	binary.BigEndian.PutUint32(buf[20:24], bodyLen)
	copy(buf[24:24+len(e.Body)], e.Body)
	off := 24 + len(e.Body)
	copy(buf[off:off+32], e.HashPrev[:])
	copy(buf[off+32:off+64], e.HashSelf[:])
	_, err := w.Write(buf)
	return err
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func readRecord(r *bufio.Reader) (Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Entry{}, err
	}
	recLen := binary.BigEndian.Uint32(lenBuf[:])
	rec := make([]byte, recLen)
	if _, err := io.ReadFull(r, rec); err != nil {
		return Entry{}, fmt.Errorf("short record: %w", err)
	}
	seq := binary.BigEndian.Uint64(rec[0:8])
	ts := math.Float64frombits(binary.BigEndian.Uint64(rec[8:16]))
	bodyLen := binary.BigEndian.Uint32(rec[16:20])
	body := make([]byte, bodyLen)
	copy(body, rec[20:20+bodyLen])
	off := 20 + int(bodyLen)
	var hashPrev, hashSelf [32]byte
	copy(hashPrev[:], rec[off:off+32])
	copy(hashSelf[:], rec[off+32:off+64])
	return Entry{Seq: seq, TS: ts, Body: body, HashPrev: hashPrev, HashSelf: hashSelf}, nil
}
