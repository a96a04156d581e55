// Package cache deduplicates step invocations. Identical (step, input) pairs
// share one invocation and its result for a fixed TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Key returns the cache key for a step invocation: the sha256 of the step name
// and the canonical JSON encoding of input. Map keys are emitted sorted by
// encoding/json and text is NFC-normalized so visually identical transcripts
// share a key.
func Key(step string, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", eris.Wrapf(err, "cache: canonicalize input for %s", step)
	}
	data = norm.NFC.Bytes(data)

	h := sha256.New()
	h.Write([]byte(step))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
