package transcript

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// TimeBucketMs is the width of the window timestamps are folded into before
// hashing. Writes within one window that share content fingerprint alike.
const TimeBucketMs = 2000

// fingerprintKey separates transcript fingerprints from any other BLAKE3
// use. Changing it changes every fingerprint.
var fingerprintKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'c', 'o', 'n', 's', 'o', 'l', 'e', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint hashes the identifying content of an entry. The hash is keyed
// but seed-free, so it is stable across processes and runs.
func Fingerprint(role Role, kind Kind, text, sessionKey, runID string, timestampMs *int64) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("transcript: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	parts := []string{
		string(role),
		string(kind),
		NormalizeText(text),
		sessionKey,
		runID,
		timeBucket(timestampMs),
	}
	hasher.Write([]byte(strings.Join(parts, "|")))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// NormalizeText collapses runs of whitespace to one space and trims.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func timeBucket(ts *int64) string {
	if ts == nil {
		return "-"
	}
	v := *ts
	bucket := v / TimeBucketMs
	if v < 0 && v%TimeBucketMs != 0 {
		bucket--
	}
	return strconv.FormatInt(bucket, 10)
}
