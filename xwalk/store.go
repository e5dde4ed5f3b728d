// Package xwalk implements the durable, bidirectional identity
// crosswalk described in spec §4.A: a single-file embedded
// transactional key-value store with three logical tables — crosswalk
// entries, per-patient date-shift offsets, and UID mappings.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package xwalk

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxIDGenerationTries is spec's "retry on collision up to 16 times".
const maxIDGenerationTries = 16

// Generator produces a candidate id_out for lookupOrCreate. Called
// again (with an incremented attempt) on unique-index collision.
type Generator func(attempt int) string

// Entry is a crosswalk row, spec §3.
type Entry struct {
	Broker    string    `json:"broker_name"`
	IDType    string    `json:"id_type"`
	IDIn      string    `json:"id_in"`
	IDOut     string    `json:"id_out"`
	CreatedAt time.Time `json:"created_at"`
}

// DateShift is a per-patient date-shift offset, spec §3.
type DateShift struct {
	Broker      string `json:"broker_name"`
	PatientIDIn string `json:"patient_id_in"`
	ShiftDays   int    `json:"shift_days"`
}

// UIDMapping is a UID crosswalk row, spec §3.
type UIDMapping struct {
	Broker string `json:"broker_name"`
	UIDIn  string `json:"uid_in"`
	UIDOut string `json:"uid_out"`
	Type   string `json:"uid_type"`
}

// Store is the embedded transactional KV store. Writes are flushed
// immediately (buntdb.Config.SyncPolicy = Always); readers see
// committed state; concurrent writers are serialized per broker via
// a striped mutex so two brokers never block each other.
type Store struct {
	db     *buntdb.DB
	rowMus sync.Map // broker name -> *sync.Mutex
}

// Open creates or opens the single-file store at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, core.Wrapf(err, "xwalk: open %s", path)
	}
	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always}); err != nil {
		db.Close()
		return nil, core.Wrap(err, "xwalk: set sync policy")
	}
	s := &Store{db: db}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rowLock(broker string) *sync.Mutex {
	v, _ := s.rowMus.LoadOrStore(broker, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func keyIn(broker, idType, idIn string) string {
	return fmt.Sprintf("xw:%s:%s:in:%s", broker, idType, idIn)
}

func keyOut(broker, idType, idOut string) string {
	return fmt.Sprintf("xw:%s:%s:out:%s", broker, idType, idOut)
}

func keyDateShift(broker, patientID string) string {
	return fmt.Sprintf("ds:%s:%s", broker, patientID)
}

func keyUID(broker, uidIn string) string {
	return fmt.Sprintf("uid:%s:%s", broker, uidIn)
}

// LookupOrCreate is atomic per (broker): if id_in is absent it generates
// a candidate via generator, retrying on an id_out collision up to 16
// times before returning IdGenerationExhausted.
func (s *Store) LookupOrCreate(broker, idType, idIn string, gen Generator) (idOut string, err error) {
	mu := s.rowLock(broker)
	mu.Lock()
	defer mu.Unlock()

	kIn := keyIn(broker, idType, idIn)
	if existing, getErr := s.getRaw(kIn); getErr == nil {
		var e Entry
		if uerr := json.UnmarshalFromString(existing, &e); uerr == nil {
			return e.IDOut, nil
		}
	}

	for attempt := 0; attempt < maxIDGenerationTries; attempt++ {
		candidate := gen(attempt)
		kOut := keyOut(broker, idType, candidate)
		txErr := s.db.Update(func(tx *buntdb.Tx) error {
			if _, getErr := tx.Get(kOut); getErr == nil {
				return buntdb.ErrNotFound // sentinel meaning "collision, try again"
			}
			entry := Entry{Broker: broker, IDType: idType, IDIn: idIn, IDOut: candidate, CreatedAt: time.Now()}
			raw, merr := json.MarshalToString(entry)
			if merr != nil {
				return merr
			}
			if _, _, serr := tx.Set(kIn, raw, nil); serr != nil {
				return serr
			}
			if _, _, serr := tx.Set(kOut, raw, nil); serr != nil {
				return serr
			}
			return nil
		})
		if txErr == nil {
			return candidate, nil
		}
		if txErr != buntdb.ErrNotFound {
			return "", core.Wrapf(txErr, "xwalk: lookupOrCreate %s/%s/%s", broker, idType, idIn)
		}
		rlog.Warningf("xwalk: id_out collision for %s/%s, attempt %d", broker, idType, attempt)
	}
	return "", &core.IdGenerationExhausted{Broker: broker, IDType: idType, IDIn: idIn, Tries: maxIDGenerationTries}
}

func (s *Store) getRaw(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, gerr := tx.Get(key)
		if gerr != nil {
			return gerr
		}
		val = v
		return nil
	})
	return val, err
}

// ReverseLookup returns id_in for a given id_out, or ("", false).
func (s *Store) ReverseLookup(broker, idType, idOut string) (string, bool, error) {
	raw, err := s.getRaw(keyOut(broker, idType, idOut))
	if err == buntdb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.Wrap(err, "xwalk: reverseLookup")
	}
	var e Entry
	if uerr := json.UnmarshalFromString(raw, &e); uerr != nil {
		return "", false, core.Wrap(uerr, "xwalk: decode entry")
	}
	return e.IDIn, true, nil
}

// GetOrAllocateDateShift is deterministic per (broker, patient_id): a
// pseudo-random value in [min, max] seeded from the patient id, chosen
// once at first sight and persisted thereafter.
func (s *Store) GetOrAllocateDateShift(broker, patientID string, min, max int) (int, error) {
	mu := s.rowLock(broker)
	mu.Lock()
	defer mu.Unlock()

	key := keyDateShift(broker, patientID)
	if raw, err := s.getRaw(key); err == nil {
		var ds DateShift
		if uerr := json.UnmarshalFromString(raw, &ds); uerr == nil {
			return ds.ShiftDays, nil
		}
	}

	seed := seedFor(broker, patientID)
	rnd := rand.New(rand.NewSource(seed))
	span := max - min
	var days int
	if span <= 0 {
		days = min
	} else {
		days = min + rnd.Intn(span+1)
	}
	ds := DateShift{Broker: broker, PatientIDIn: patientID, ShiftDays: days}
	raw, err := json.MarshalToString(ds)
	if err != nil {
		return 0, err
	}
	if err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, serr := tx.Set(key, raw, nil)
		return serr
	}); err != nil {
		return 0, core.Wrap(err, "xwalk: persist date shift")
	}
	return days, nil
}

// seedFor derives a deterministic int64 seed from broker+patientID so
// GetOrAllocateDateShift is reproducible across restarts without
// persisting the PRNG state.
func seedFor(broker, patientID string) int64 {
	h := fnv64a(broker + "\x00" + patientID)
	return int64(h)
}

func fnv64a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// PutUIDMapping records a UID crosswalk row, unique on (broker, uid_in).
func (s *Store) PutUIDMapping(broker, uidIn, uidOut, uidType string) error {
	mu := s.rowLock(broker)
	mu.Lock()
	defer mu.Unlock()

	m := UIDMapping{Broker: broker, UIDIn: uidIn, UIDOut: uidOut, Type: uidType}
	raw, err := json.MarshalToString(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, serr := tx.Set(keyUID(broker, uidIn), raw, nil)
		return serr
	})
}

// LookupUIDMapping returns the mapped uid_out for uid_in, or ("", false).
func (s *Store) LookupUIDMapping(broker, uidIn string) (string, bool, error) {
	raw, err := s.getRaw(keyUID(broker, uidIn))
	if err == buntdb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var m UIDMapping
	if uerr := json.UnmarshalFromString(raw, &m); uerr != nil {
		return "", false, uerr
	}
	return m.UIDOut, true, nil
}

// EntryFilter narrows ListEntries to a broker and/or id_type; empty
// fields match anything.
type EntryFilter struct {
	Broker string
	IDType string
}

// ListEntries returns a page of crosswalk entries for audit, spec
// §4.A. Results are ordered by key (broker,id_type,id_in).
func (s *Store) ListEntries(filter EntryFilter, offset, limit int) ([]Entry, error) {
	prefix := "xw:"
	if filter.Broker != "" {
		prefix += filter.Broker + ":"
		if filter.IDType != "" {
			prefix += filter.IDType + ":"
		}
	}
	var out []Entry
	skipped := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			// Only the ":in:" half of each pair to avoid double-counting.
			if !strings.Contains(key, ":in:") {
				return true
			}
			var e Entry
			uerr := json.UnmarshalFromString(value, &e)
			if uerr == nil && filter.IDType != "" && e.IDType != filter.IDType {
				return true
			}
			if skipped < offset {
				skipped++
				return true
			}
			if uerr == nil {
				out = append(out, e)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "xwalk: listEntries")
	}
	return out, nil
}

// ExportEntriesLZ4 writes every crosswalk entry matching filter to w as
// newline-delimited JSON, lz4-compressed so a full audit dump of a
// long-running appliance doesn't bloat whatever the operator is piping
// it to (disk, object storage, a support bundle).
func (s *Store) ExportEntriesLZ4(w io.Writer, filter EntryFilter) (int, error) {
	zw := lz4.NewWriter(w)
	defer zw.Close()

	n := 0
	offset := 0
	const page = 500
	for {
		entries, err := s.ListEntries(filter, offset, page)
		if err != nil {
			return n, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			raw, merr := json.Marshal(e)
			if merr != nil {
				return n, merr
			}
			if _, werr := zw.Write(append(raw, '\n')); werr != nil {
				return n, werr
			}
			n++
		}
		offset += len(entries)
		if len(entries) < page {
			break
		}
	}
	return n, nil
}

// SeedForSequence returns a deterministic numeric seed for callers
// building sequential/zero-padded generators; kept here because it
// shares the FNV seeding helper above.
func SeedForSequence(broker, idType string) int64 {
	return int64(fnv64a(broker + "\x00" + idType))
}

// FormatSequential zero-pads n to width digits, spec §4.C "sequential".
func FormatSequential(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func keySequence(broker, idType string) string {
	return fmt.Sprintf("seq:%s:%s", broker, idType)
}

// NextSequence returns a monotonically-increasing integer per
// (broker, id_type), starting at 1, for the honest broker's
// "sequential" naming scheme.
func (s *Store) NextSequence(broker, idType string) (int64, error) {
	mu := s.rowLock(broker)
	mu.Lock()
	defer mu.Unlock()

	key := keySequence(broker, idType)
	var next int64 = 1
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if raw, gerr := tx.Get(key); gerr == nil {
			if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				next = n + 1
			}
		}
		_, _, serr := tx.Set(key, strconv.FormatInt(next, 10), nil)
		return serr
	})
	if err != nil {
		return 0, core.Wrap(err, "xwalk: nextSequence")
	}
	return next, nil
}
