package cachestore

const (
	schemaVersion = 2

	keyMeta       = "blockcache:v2:meta"
	keyIndex      = "blockcache:v2:index"
	keyEntry      = "blockcache:v2:entry:"
	keyListsIndex = "blockcache:v2:lists:index"
	keyList       = "blockcache:v2:list:"
	keyV1Index    = "blockcache:v1:index"
	keyV1Entry    = "blockcache:v1:entry:"
	keyFollows    = "blockcache:follows"
	keyStatus     = "sync:status"
)

func entryKey(did string) string   { return keyEntry + did }
func listKey(uri string) string    { return keyList + uri }
func v1EntryKey(did string) string { return keyV1Entry + did }
