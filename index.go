package felis

// Index is the storage-engine contract the core consumes but does not
// implement: a keyed lookup from an opaque key to the VHandle backing
// it. No concrete storage layout is specified, so this is deliberately
// just an interface — any backing structure (hash table, sorted tree,
// partitioned shard map) satisfies it as long as it returns stable
// *VHandle pointers.
type Index interface {
	// Search returns the handle for key, or (nil, false) if absent.
	Search(key []byte) (*VHandle, bool)
	// SearchOrCreate returns the existing handle for key, creating and
	// inserting an empty one if absent.
	SearchOrCreate(key []byte) *VHandle
	// PriorityInsert inserts key bound to a handle pre-seeded with sid
	// as its sole pending version, for priority transactions that
	// insert new rows rather than updating existing ones.
	PriorityInsert(key []byte, sid SID) *VHandle
	// Iterator returns a forward range cursor over [lo, hi).
	Iterator(lo, hi []byte) IndexSearchIterator
}

// IndexSearchIterator is a forward range cursor over an Index.
type IndexSearchIterator interface {
	// Valid reports whether the cursor currently refers to an entry.
	Valid() bool
	// Next advances the cursor by one entry.
	Next()
	// Row returns the handle at the cursor's current position.
	Row() *VHandle
	// Key returns the key at the cursor's current position.
	Key() []byte
}
