package docstore

// Key layout, one namespace per collection name:
//
//	<name>\x00d<id>                          -> JSON(Doc)                 (primary)
//	<name>\x00i\x00<field>\x00<value>         -> <id>                      (unique index)
//	<name>\x00m\x00<field>\x00<value>\x00<id> -> empty                     (multi-value index)
//
// Single-byte markers after the collection name keep the three namespaces
// from colliding when a field happens to be named "d" or "i".
const (
	markerDoc   = 'd'
	markerIdx   = 'i'
	markerMulti = 'm'
)

func docKey(coll, id string) []byte {
	return append(collPrefix(coll, markerDoc), id...)
}

func collPrefix(coll string, marker byte) []byte {
	b := make([]byte, 0, len(coll)+2)
	b = append(b, coll...)
	b = append(b, 0x00, marker)
	return b
}

func uniqueIndexKey(coll, field, value string) []byte {
	b := collPrefix(coll, markerIdx)
	b = append(b, 0x00)
	b = append(b, field...)
	b = append(b, 0x00)
	b = append(b, value...)
	return b
}

func uniqueIndexPrefix(coll, field string) []byte {
	b := collPrefix(coll, markerIdx)
	b = append(b, 0x00)
	b = append(b, field...)
	b = append(b, 0x00)
	return b
}

func multiIndexKey(coll, field, value, id string) []byte {
	b := collPrefix(coll, markerMulti)
	b = append(b, 0x00)
	b = append(b, field...)
	b = append(b, 0x00)
	b = append(b, value...)
	b = append(b, 0x00)
	b = append(b, id...)
	return b
}

func multiIndexPrefix(coll, field, value string) []byte {
	b := collPrefix(coll, markerMulti)
	b = append(b, 0x00)
	b = append(b, field...)
	b = append(b, 0x00)
	b = append(b, value...)
	b = append(b, 0x00)
	return b
}

func docPrefix(coll string) []byte {
	return collPrefix(coll, markerDoc)
}
