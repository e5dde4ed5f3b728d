/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package broker

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// fakeStore is an in-memory CrosswalkStore used to exercise the local
// broker and the caching decorator without a real buntdb file.
type fakeStore struct {
	forward  map[string]string
	reverse  map[string]string
	lookups  int
	reverses int
	seqs     map[string]int64
	shifts   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		forward: map[string]string{},
		reverse: map[string]string{},
		seqs:    map[string]int64{},
		shifts:  map[string]int{},
	}
}

func (f *fakeStore) LookupOrCreate(broker, idType, idIn string, gen func(attempt int) string) (string, error) {
	f.lookups++
	key := broker + "|" + idType + "|" + idIn
	if out, ok := f.forward[key]; ok {
		return out, nil
	}
	out := gen(0)
	f.forward[key] = out
	f.reverse[broker+"|"+idType+"|"+out] = idIn
	return out, nil
}

func (f *fakeStore) ReverseLookup(broker, idType, idOut string) (string, bool, error) {
	f.reverses++
	in, ok := f.reverse[broker+"|"+idType+"|"+idOut]
	return in, ok, nil
}

func (f *fakeStore) GetOrAllocateDateShift(broker, patientID string, min, max int) (int, error) {
	key := broker + "|" + patientID
	if d, ok := f.shifts[key]; ok {
		return d, nil
	}
	f.shifts[key] = min
	return min, nil
}

func (f *fakeStore) PutUIDMapping(broker, in, out, uidType string) error { return nil }

func (f *fakeStore) NextSequence(broker, idType string) (int64, error) {
	key := broker + "|" + idType
	f.seqs[key]++
	return f.seqs[key], nil
}

var _ = Describe("LocalBroker", func() {
	It("is deterministic under the hash naming scheme", func() {
		store := newFakeStore()
		b := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeHash, HashLength: 12}, store)
		first, err := b.Lookup("patient", "PAT001")
		Expect(err).NotTo(HaveOccurred())
		second, err := b.Lookup("patient", "PAT001")
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal(second))
		Expect(first).To(HaveLen(12))
	})

	It("round-trips through ReverseLookup", func() {
		store := newFakeStore()
		b := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeSequential, PatientIDPrefix: "ANON-"}, store)
		out, err := b.Lookup("patient", "PAT002")
		Expect(err).NotTo(HaveOccurred())
		in, err := b.ReverseLookup("patient", out)
		Expect(err).NotTo(HaveOccurred())
		Expect(in).To(Equal("PAT002"))
	})

	It("reports BrokerMappingMissing for an unknown pseudonym", func() {
		store := newFakeStore()
		b := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeHash}, store)
		_, err := b.ReverseLookup("patient", "never-allocated")
		Expect(err).To(HaveOccurred())
		var missing *core.BrokerMappingMissing
		Expect(errors.As(err, &missing)).To(BeTrue())
	})

	It("skips date-shift allocation when disabled", func() {
		store := newFakeStore()
		b := NewLocalBroker(Config{Name: "b1", DateShiftEnabled: false}, store)
		pseudonym, err := b.Lookup("patient", "PAT003") // exercise Lookup so the store isn't untouched
		Expect(err).NotTo(HaveOccurred())
		Expect(pseudonym).NotTo(BeEmpty())
		shift, err := b.DateShiftFor("PAT003")
		Expect(err).NotTo(HaveOccurred())
		Expect(shift).To(Equal(0))
	})
})

var _ = Describe("cachingBroker", func() {
	It("serves a repeated Lookup from cache without hitting the inner broker again", func() {
		store := newFakeStore()
		inner := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeHash}, store)
		cached := newCachingBroker(inner, Config{CacheEnabled: true, CacheTTLSeconds: 60})

		first, err := cached.Lookup("patient", "PAT001")
		Expect(err).NotTo(HaveOccurred())
		Expect(store.lookups).To(Equal(1))

		second, err := cached.Lookup("patient", "PAT001")
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
		Expect(store.lookups).To(Equal(1), "a cached Lookup should not call through to the inner broker")
	})

	It("serves a repeated ReverseLookup from cache too", func() {
		store := newFakeStore()
		inner := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeHash}, store)
		cached := newCachingBroker(inner, Config{CacheEnabled: true, CacheTTLSeconds: 60})

		out, err := cached.Lookup("patient", "PAT001")
		Expect(err).NotTo(HaveOccurred())

		_, err = cached.ReverseLookup("patient", out)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.reverses).To(Equal(1))

		_, err = cached.ReverseLookup("patient", out)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.reverses).To(Equal(1), "a cached ReverseLookup should not call through again")
	})

	It("evicts the oldest entry once CacheMaxSize is exceeded", func() {
		store := newFakeStore()
		inner := NewLocalBroker(Config{Name: "b1", NamingScheme: SchemeHash}, store)
		cached := newCachingBroker(inner, Config{CacheEnabled: true, CacheTTLSeconds: 60, CacheMaxSize: 2})

		for i := 0; i < 3; i++ {
			_, err := cached.Lookup("patient", fmt.Sprintf("PAT%03d", i))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(len(cached.insertOrder)).To(BeNumerically("<=", 2))

		// PAT000 was evicted, so looking it up again must re-hit the store.
		before := store.lookups
		_, err := cached.Lookup("patient", "PAT000")
		Expect(err).NotTo(HaveOccurred())
		Expect(store.lookups).To(Equal(before + 1))
	})

	It("passes DateShiftFor and PutUIDMapping straight through, uncached", func() {
		store := newFakeStore()
		inner := NewLocalBroker(Config{Name: "b1", DateShiftEnabled: true, DateShiftMinDays: 10, DateShiftMaxDays: 10}, store)
		cached := newCachingBroker(inner, Config{CacheEnabled: true})

		days, err := cached.DateShiftFor("PAT001")
		Expect(err).NotTo(HaveOccurred())
		Expect(days).To(Equal(10))

		Expect(cached.PutUIDMapping("in", "out", "study")).To(Succeed())
	})
})
