package cache

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer encodes entries to the representation kept by a Store.
type Serializer interface {
	Marshal(Entry) ([]byte, error)
	Unmarshal([]byte) (Entry, error)
}

type msgpackSerializer struct{}

// Msgpack returns the default Serializer.
func Msgpack() Serializer { return msgpackSerializer{} }

func (msgpackSerializer) Marshal(e Entry) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, errors.Wrap(err, "cache: marshal entry")
	}
	return b, nil
}

func (msgpackSerializer) Unmarshal(b []byte) (Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Entry{}, errors.Wrap(err, "cache: unmarshal entry")
	}
	return e, nil
}

type jsonSerializer struct{}

// JSON returns a Serializer producing readable entries, handy with FileStore.
func JSON() Serializer { return jsonSerializer{} }

func (jsonSerializer) Marshal(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "cache: marshal entry")
	}
	return b, nil
}

func (jsonSerializer) Unmarshal(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, errors.Wrap(err, "cache: unmarshal entry")
	}
	return e, nil
}
