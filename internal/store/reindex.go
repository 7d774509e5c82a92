package store

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/nesprt/eventstore/internal/index"
)

// reindexTuple is one document discovered while scanning a partition
// during a reindex, carrying enough of its commit metadata to reconstruct
// global commit order.
type reindexTuple struct {
	entry         index.Entry
	streamName    string
	payload       []byte
	metadata      map[string]interface{}
	committedAt   time.Time
	commitID      string
	commitVersion int
}

// Reindex rebuilds the primary index and every secondary index from
// scratch by scanning every write stream's partition and reconstructing
// global commit order from each document's own committedAt/commitId/
// commitVersion metadata, per the documented reindexability guarantee: the
// primary index is a cache of an order the partitions themselves already
// encode.
func (s *EventStore) Reindex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot reindex a closed store")
	}
	return s.reindexLocked()
}

func (s *EventStore) reindexLocked() error {
	var tuples []reindexTuple

	for _, name := range s.streamNames() {
		ws := s.writeStreams[name]
		it := ws.partition.Iterator(0)
		for it.Next() {
			doc := it.Document()
			payload, metadata, err := s.opts.Serializer.Deserialize(doc)
			if err != nil {
				return errors.Wrapf(err, "failed to decode document in stream %q during reindex", name)
			}
			committedAt := toTime(metadata["committedAt"])
			commitID, _ := metadata["commitId"].(string)
			commitVersion, _ := toInt(metadata["commitVersion"])

			tuples = append(tuples, reindexTuple{
				entry: index.Entry{
					Position:  it.Position(),
					Size:      uint32(len(doc)),
					Partition: ws.partition.ID(),
				},
				streamName:    name,
				payload:       payload,
				metadata:      metadata,
				committedAt:   committedAt,
				commitID:      commitID,
				commitVersion: commitVersion,
			})
		}
		if err := it.Err(); err != nil {
			return errors.Wrapf(err, "failed to scan stream %q during reindex", name)
		}
	}

	sort.SliceStable(tuples, func(i, j int) bool {
		if !tuples[i].committedAt.Equal(tuples[j].committedAt) {
			return tuples[i].committedAt.Before(tuples[j].committedAt)
		}
		if tuples[i].commitID != tuples[j].commitID {
			return tuples[i].commitID < tuples[j].commitID
		}
		return tuples[i].commitVersion < tuples[j].commitVersion
	})

	if err := s.primary.Truncate(0); err != nil {
		return err
	}
	for _, ws := range s.writeStreams {
		if err := ws.index.Truncate(0); err != nil {
			return err
		}
	}
	for _, rs := range s.readStreams {
		if err := rs.index.Truncate(0); err != nil {
			return err
		}
	}
	for id := range s.partitionVersion {
		s.partitionVersion[id] = 0
	}

	for n, t := range tuples {
		entry := t.entry
		entry.Number = int64(n + 1)

		if _, err := s.primary.Add(entry, nil); err != nil {
			return err
		}
		ws := s.writeStreams[t.streamName]
		if _, err := ws.index.Add(entry, nil); err != nil {
			return err
		}
		for _, rs := range s.readStreams {
			if rs.matcher.Match(t.payload, t.metadata) {
				if _, err := rs.index.Add(entry, nil); err != nil {
					return err
				}
			}
		}
		s.partitionVersion[entry.Partition]++
	}

	if err := s.primary.Flush(); err != nil {
		return err
	}
	for _, ws := range s.writeStreams {
		if err := ws.index.Flush(); err != nil {
			return err
		}
	}
	for _, rs := range s.readStreams {
		if err := rs.index.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func toTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
