package trigger

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker orders completions per partition. Kafka stores one offset
// per partition, so a message may only be committed once every message
// fetched before it on the same partition has finished.
type offsetTracker struct {
	mu       sync.Mutex
	inflight map[partitionKey][]int64
	finished map[partitionKey]map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		inflight: make(map[partitionKey][]int64),
		finished: make(map[partitionKey]map[int64]kafka.Message),
	}
}

func keyOf(msg kafka.Message) partitionKey {
	return partitionKey{topic: msg.Topic, partition: msg.Partition}
}

// start records msg as fetched. Calls must follow fetch order.
func (t *offsetTracker) start(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(msg)
	t.inflight[k] = append(t.inflight[k], msg.Offset)
}

// finish marks msg done and returns the highest message of its partition
// that is now safe to commit. ok is false while an earlier message on the
// partition is still running or was abandoned.
func (t *offsetTracker) finish(msg kafka.Message) (commit kafka.Message, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(msg)
	done := t.finished[k]
	if done == nil {
		done = make(map[int64]kafka.Message)
		t.finished[k] = done
	}
	done[msg.Offset] = msg

	queue := t.inflight[k]
	for len(queue) > 0 {
		m, finished := done[queue[0]]
		if !finished {
			break
		}
		delete(done, queue[0])
		queue = queue[1:]
		commit, ok = m, true
	}
	t.inflight[k] = queue
	return commit, ok
}
