package storage

import (
	"fmt"
	"strings"
)

// Key layout in the Badger keyspace:
//
//	e\x00<id>                  -> envelope JSON (primary record)
//	i\x00<ts13hex>\x00<id>     -> <id>           (timestamp index, ascending)
//
// The timestamp index exists because a client-supplied ID is not
// guaranteed to be time-sortable the way broker-generated IDs are
// (§4.A only promises sortability for IDs the broker itself mints);
// ListHistory needs a reliable time order regardless of ID origin.
const (
	envPrefix = "e\x00"
	idxPrefix = "i\x00"
)

func envelopeKey(id string) []byte {
	return []byte(envPrefix + id)
}

func idFromEnvelopeKey(key []byte) string {
	return strings.TrimPrefix(string(key), envPrefix)
}

func indexKey(tsMs int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%013x\x00%s", idxPrefix, uint64(tsMs), id))
}

func indexPrefix() []byte {
	return []byte(idxPrefix)
}

func idFromIndexKey(key []byte) string {
	s := strings.TrimPrefix(string(key), idxPrefix)
	parts := strings.SplitN(s, "\x00", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
