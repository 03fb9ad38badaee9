package diskcache

import (
	"container/list"
)

// LRUList is one ordered queue of the 2Q policy. The front of the list is
// the MRU end; eviction walks from the back.
type LRUList struct {
	order    *list.List
	elements map[pageKey]*list.Element
}

func newLRUList() *LRUList {
	return &LRUList{
		order:    list.New(),
		elements: make(map[pageKey]*list.Element),
	}
}

// Get returns the entry for the key, or nil.
func (l *LRUList) Get(fileID, pageIndex uint64) *CacheEntry {
	if elem, ok := l.elements[pageKey{fileID: fileID, pageIndex: pageIndex}]; ok {
		return elem.Value.(*CacheEntry)
	}
	return nil
}

// PutToMRU inserts the entry at the MRU end, or moves it there if already
// present.
func (l *LRUList) PutToMRU(entry *CacheEntry) {
	key := entry.key()
	if elem, ok := l.elements[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.elements[key] = l.order.PushFront(entry)
}

// Remove deletes the entry for the key and returns it, or nil.
func (l *LRUList) Remove(fileID, pageIndex uint64) *CacheEntry {
	key := pageKey{fileID: fileID, pageIndex: pageIndex}
	elem, ok := l.elements[key]
	if !ok {
		return nil
	}
	delete(l.elements, key)
	return l.order.Remove(elem).(*CacheEntry)
}

// RemoveLRU unconditionally removes and returns the entry at the LRU end,
// or nil when the list is empty.
func (l *LRUList) RemoveLRU() *CacheEntry {
	elem := l.order.Back()
	if elem == nil {
		return nil
	}
	entry := l.order.Remove(elem).(*CacheEntry)
	delete(l.elements, entry.key())
	return entry
}

// EvictVictim removes and returns the oldest unpinned entry. The scan walks
// from the LRU end toward newer entries; pinned entries are skipped. Returns
// nil when every entry is pinned.
func (l *LRUList) EvictVictim() *CacheEntry {
	for elem := l.order.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*CacheEntry)
		if entry.usageCounter == 0 {
			l.order.Remove(elem)
			delete(l.elements, entry.key())
			return entry
		}
	}
	return nil
}

// Entries returns every entry from MRU to LRU. The slice is a snapshot.
func (l *LRUList) Entries() []*CacheEntry {
	entries := make([]*CacheEntry, 0, l.order.Len())
	for elem := l.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*CacheEntry))
	}
	return entries
}

// Size returns the number of entries in the list.
func (l *LRUList) Size() int {
	return l.order.Len()
}
