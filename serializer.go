package bonsai

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Serializer describes the encoding of keys or values stored in a tree. The
// engine stores raw bytes; the serializer id is persisted in the root bucket
// so a reopened tree can rehydrate the codecs its bytes were written with.
type Serializer interface {
	// ID is the stable identifier persisted on disk.
	ID() byte
	// FixedLength returns the encoded size for fixed-width serializers, or
	// -1 for length-prefixed variable encodings.
	FixedLength() int
}

// Uint64Serializer encodes unsigned 64-bit keys big-endian, which keeps the
// bytewise default comparator order-preserving.
type Uint64Serializer struct{}

func (Uint64Serializer) ID() byte         { return 1 }
func (Uint64Serializer) FixedLength() int { return 8 }

func (Uint64Serializer) EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (Uint64Serializer) DecodeUint64(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}

// Int32Serializer encodes signed 32-bit counters. Rid bags store reference
// counts with it; GetRealBagSize requires the tree's value serializer to
// decode this way.
type Int32Serializer struct{}

func (Int32Serializer) ID() byte         { return 2 }
func (Int32Serializer) FixedLength() int { return 4 }

func (Int32Serializer) EncodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

func (Int32Serializer) DecodeInt32(data []byte) int32 {
	return int32(binary.BigEndian.Uint32(data))
}

// BytesSerializer stores opaque byte strings as-is.
type BytesSerializer struct{}

func (BytesSerializer) ID() byte         { return 3 }
func (BytesSerializer) FixedLength() int { return -1 }

var (
	serializerMu  sync.RWMutex
	serializerReg = map[byte]Serializer{
		Uint64Serializer{}.ID(): Uint64Serializer{},
		Int32Serializer{}.ID():  Int32Serializer{},
		BytesSerializer{}.ID():  BytesSerializer{},
	}
)

// RegisterSerializer adds a custom serializer to the registry used by Load.
// Registering an id twice fails.
func RegisterSerializer(s Serializer) error {
	serializerMu.Lock()
	defer serializerMu.Unlock()
	if _, ok := serializerReg[s.ID()]; ok {
		return errors.Wrapf(ErrUnknownSerializer, "serializer id %d already registered", s.ID())
	}
	serializerReg[s.ID()] = s
	return nil
}

// SerializerByID resolves a persisted serializer id.
func SerializerByID(id byte) (Serializer, error) {
	serializerMu.RLock()
	defer serializerMu.RUnlock()
	s, ok := serializerReg[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSerializer, "id %d", id)
	}
	return s, nil
}

// counterDecoder is implemented by value serializers whose payload is a
// signed 32-bit count.
type counterDecoder interface {
	DecodeInt32(data []byte) int32
}
