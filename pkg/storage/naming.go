package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// maxBucketNameLength is the common limit across GCS and S3.
const maxBucketNameLength = 63

// constellations supplies a memorable middle term so operators can tell
// buckets apart at a glance.
var constellations = []string{
	"andromeda", "aquila", "ara", "aries", "auriga",
	"bootes", "caelum", "carina", "cassiopeia", "centaurus",
	"cepheus", "cetus", "columba", "corvus", "crux",
	"cygnus", "dorado", "draco", "eridanus", "fornax",
	"gemini", "grus", "hercules", "hydra", "indus",
	"lacerta", "leo", "lepus", "libra", "lupus",
	"lyra", "mensa", "musca", "norma", "octans",
	"orion", "pavo", "pegasus", "perseus", "phoenix",
	"pictor", "pisces", "puppis", "pyxis", "sagitta",
	"scorpius", "sculptor", "serpens", "taurus", "tucana",
	"vela", "virgo", "volans", "vulpecula",
}

// NewBucketName builds a globally unique bucket name:
// <prefix>-<constellation>-<user hash>-<unix ts>-<random>. Uniqueness comes
// from construction (timestamp plus random suffix), not from a server-side
// existence check.
func NewBucketName(prefix, userID string) string {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(constellations))))
	term := constellations[0]
	if err == nil {
		term = constellations[idx.Int64()]
	}

	sum := sha256.Sum256([]byte(userID))
	userHash := hex.EncodeToString(sum[:])[:8]

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		nano := time.Now().UnixNano()
		suffix = []byte{byte(nano), byte(nano >> 8), byte(nano >> 16), byte(nano >> 24)}
	}

	name := fmt.Sprintf("%s-%s-%s-%d-%s",
		prefix, term, userHash, time.Now().Unix(), hex.EncodeToString(suffix))

	name = strings.ToLower(name)
	if len(name) > maxBucketNameLength {
		name = name[:maxBucketNameLength]
		name = strings.TrimRight(name, "-")
	}
	return name
}
