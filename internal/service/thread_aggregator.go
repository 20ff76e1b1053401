package service

import (
	"sort"
	"time"
)

// Threadable is a flat record that may point at a parent record.
type Threadable interface {
	RecordID() string
	ParentRecordID() string
	RecordTime() time.Time
}

// Thread is a root record and its replies, one level deep.
type Thread[T Threadable] struct {
	Root    T
	Replies []T
}

// BuildThreads groups flat records into two-level threads. Roots keep their input
// order and replies are sorted ascending by creation time (ties broken by id).
// A reply to a reply is attached to the root it descends from. Records whose
// ancestry never reaches a root are dropped. The input is not modified.
func BuildThreads[T Threadable](records []T) []Thread[T] {
	byID := make(map[string]int, len(records))
	for i, record := range records {
		if _, seen := byID[record.RecordID()]; !seen {
			byID[record.RecordID()] = i
		}
	}

	rootSlot := make(map[string]int)
	threads := make([]Thread[T], 0, len(records))
	for i, record := range records {
		if record.ParentRecordID() != "" {
			continue
		}
		if byID[record.RecordID()] != i {
			continue
		}
		rootSlot[record.RecordID()] = len(threads)
		threads = append(threads, Thread[T]{Root: record, Replies: []T{}})
	}

	for i, record := range records {
		if record.ParentRecordID() == "" || byID[record.RecordID()] != i {
			continue
		}
		rootID, ok := resolveRoot(records, byID, record)
		if !ok {
			continue
		}
		slot := rootSlot[rootID]
		threads[slot].Replies = append(threads[slot].Replies, record)
	}

	for i := range threads {
		replies := threads[i].Replies
		sort.SliceStable(replies, func(a, b int) bool {
			ta, tb := replies[a].RecordTime(), replies[b].RecordTime()
			if !ta.Equal(tb) {
				return ta.Before(tb)
			}
			return replies[a].RecordID() < replies[b].RecordID()
		})
	}

	return threads
}

// resolveRoot follows parent links until it reaches a record without a parent.
func resolveRoot[T Threadable](records []T, byID map[string]int, record T) (string, bool) {
	current := record
	for hops := 0; hops <= len(records); hops++ {
		parentID := current.ParentRecordID()
		if parentID == "" {
			return current.RecordID(), true
		}
		idx, ok := byID[parentID]
		if !ok {
			return "", false
		}
		current = records[idx]
	}
	return "", false
}
