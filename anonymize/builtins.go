package anonymize

import (
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/xwalk"
)

// NewUIDHasher returns a UIDHasher backed by the crosswalk store: the
// first sighting of a source UID gets a fresh pseudo-UID derived from
// xxhash(brokerSalt || uidIn); subsequent sightings of the same source
// UID return the same pseudo-UID (spec invariant 5: "hashUID(u) yields
// the same output for the same input within a broker"). The mapping
// is also recorded via PutUidMapping for the audit trail (spec §4.C).
func NewUIDHasher(store *xwalk.Store, broker, uidType string) UIDHasher {
	return func(uidIn string) (string, error) {
		if uidIn == "" {
			return "", nil
		}
		if existing, ok, err := store.LookupUIDMapping(broker, uidIn); err == nil && ok {
			return existing, nil
		} else if err != nil {
			return "", err
		}
		out := pseudoUID(broker, uidIn)
		if err := store.PutUIDMapping(broker, uidIn, out, uidType); err != nil {
			return "", err
		}
		return out, nil
	}
}

// pseudoUID deterministically derives a syntactically-valid DICOM UID
// (dot-separated digit groups, <= 64 chars) from xxhash64 of the
// broker-salted input, root "2.25" (the DICOM "UUID-derived UID" root,
// reserved exactly for this kind of generated identifier).
func pseudoUID(broker, uidIn string) string {
	sum := xxhash.ChecksumString64S(uidIn, saltFor(broker))
	return fmt.Sprintf("2.25.%d", sum)
}

func saltFor(broker string) uint64 {
	return xxhash.ChecksumString64(broker)
}
