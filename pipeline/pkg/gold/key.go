package gold

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// NaturalKey is the group-by values identifying one feature row.
type NaturalKey struct {
	Values []any
}

// SurrogateKey is the deterministic hash of a natural key.
type SurrogateKey string

func NewNaturalKey(values ...any) *NaturalKey {
	return &NaturalKey{Values: values}
}

// ToSurrogate hashes the key. Each value is written as a type tag, its
// payload length and the payload, so distinct keys never share an encoding
// (("a|b", "c") and ("a", "b|c") hash differently).
func (k *NaturalKey) ToSurrogate() SurrogateKey {
	h := sha256.New()
	var num [8]byte
	for _, val := range k.Values {
		var tag byte
		var payload []byte
		switch v := val.(type) {
		case nil:
			tag = 'n'
		case int64:
			tag = 'i'
			binary.BigEndian.PutUint64(num[:], uint64(v))
			payload = num[:]
		case float64:
			tag = 'f'
			binary.BigEndian.PutUint64(num[:], math.Float64bits(v))
			payload = num[:]
		case string:
			tag = 's'
			payload = []byte(v)
		case bool:
			tag = 'b'
			payload = []byte(strconv.FormatBool(v))
		case time.Time:
			tag = 't'
			payload = []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			tag = '?'
			payload = fmt.Appendf(nil, "%T:%v", v, v)
		}
		h.Write([]byte{tag})
		h.Write(binary.AppendUvarint(nil, uint64(len(payload))))
		h.Write(payload)
	}
	return SurrogateKey(hex.EncodeToString(h.Sum(nil)))
}

// Compare orders natural keys value by value.
func (k *NaturalKey) Compare(other *NaturalKey) int {
	for i := range min(len(k.Values), len(other.Values)) {
		if c := store.Compare(k.Values[i], other.Values[i]); c != 0 {
			return c
		}
	}
	return len(k.Values) - len(other.Values)
}
