package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// LocalBroker allocates pseudonyms from the configured naming scheme,
// spec §4.C. The crosswalk sha256 use here is spec-mandated ("first N
// hex chars of SHA-256(...)") and distinct from the anonymizer's
// xxhash-based hashUID built-in (anonymize/builtins.go): different
// concerns, deliberately different tools.
type LocalBroker struct {
	cfg   Config
	store CrosswalkStore
}

func NewLocalBroker(cfg Config, store CrosswalkStore) *LocalBroker {
	if cfg.HashLength <= 0 {
		cfg.HashLength = 16
	}
	return &LocalBroker{cfg: cfg, store: store}
}

func (b *LocalBroker) Lookup(idType, idIn string) (string, error) {
	out, err := b.store.LookupOrCreate(b.cfg.Name, idType, idIn, b.generator(idType, idIn))
	if err != nil {
		return "", core.Wrap(err, "broker: local lookup")
	}
	return out, nil
}

func (b *LocalBroker) ReverseLookup(idType, idOut string) (string, error) {
	in, ok, err := b.store.ReverseLookup(b.cfg.Name, idType, idOut)
	if err != nil {
		return "", core.Wrap(err, "broker: local reverseLookup")
	}
	if !ok {
		return "", &core.BrokerMappingMissing{Broker: b.cfg.Name, IDType: idType, ID: idOut}
	}
	return in, nil
}

func (b *LocalBroker) DateShiftFor(patientID string) (int, error) {
	if !b.cfg.DateShiftEnabled {
		return 0, nil
	}
	min, max := b.cfg.DateShiftMinDays, b.cfg.DateShiftMaxDays
	if max <= 0 {
		max = min
	}
	days, err := b.store.GetOrAllocateDateShift(b.cfg.Name, patientID, min, max)
	if err != nil {
		return 0, core.Wrap(err, "broker: date shift")
	}
	return days, nil
}

func (b *LocalBroker) PutUIDMapping(in, out, uidType string) error {
	return b.store.PutUIDMapping(b.cfg.Name, in, out, uidType)
}

// generator returns the id_out candidate function for LookupOrCreate,
// one closure per naming scheme; attempt > 0 means a prior candidate
// collided and must be re-seeded with the attempt counter (spec:
// "collisions re-seeded with a counter").
func (b *LocalBroker) generator(idType, idIn string) func(attempt int) string {
	switch b.cfg.NamingScheme {
	case SchemeAdjectiveAnimal:
		return func(attempt int) string {
			return b.cfg.PatientIDPrefix + adjectiveAnimalFor(b.cfg.Name, idIn, attempt)
		}
	case SchemeSequential:
		return func(attempt int) string {
			n, err := b.store.NextSequence(b.cfg.Name, idType)
			if err != nil {
				n = 0
			}
			return b.cfg.PatientIDPrefix + formatSequential(n, 8)
		}
	default: // SchemeHash
		return func(attempt int) string {
			return b.cfg.PatientIDPrefix + hashID(b.cfg.Name, idType, idIn, attempt, b.cfg.HashLength)
		}
	}
}

func hashID(broker, idType, idIn string, attempt, length int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", broker, idType, idIn, attempt)))
	h := hex.EncodeToString(sum[:])
	if length > len(h) {
		length = len(h)
	}
	return h[:length]
}

func adjectiveAnimalFor(broker, idIn string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", broker, idIn, attempt)))
	// Two independent slices of the digest pick the adjective and the
	// animal so a single seed deterministically yields one pair.
	ai := int(sum[0])<<8 | int(sum[1])
	bi := int(sum[2])<<8 | int(sum[3])
	return adjectives[ai%len(adjectives)] + "_" + animals[bi%len(animals)]
}

func formatSequential(n int64, width int) string {
	s := fmt.Sprintf("%d", n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
