package throttle

import (
	"context"
	"strconv"
	"time"

	"github.com/medforge/rosterd/pkg/kv"
)

const (
	activeSetKey  = "throttle:active"
	slotKeyPrefix = "throttle:slot:"
	queueKey      = "throttle:queue"
	queueSeqKey   = "throttle:queue:seq"

	// slotTTL reaps slots whose holders died without releasing
	slotTTL = 5 * time.Minute

	// rankStride leaves room for a FIFO sequence within each priority class
	rankStride = 1e12
)

// Metrics is a point-in-time view of throttle load
type Metrics struct {
	Active        int
	Queued        int
	Utilization   float64 // Active / max concurrent
	QueuePressure float64 // Queued / max queue size
}

// Storage persists throttle state in the key-value store so limits hold
// across processes
type Storage struct {
	kv kv.Store
}

// NewStorage creates throttle storage on the given store
func NewStorage(store kv.Store) *Storage {
	return &Storage{kv: store}
}

// pruneStale drops active members whose slot key expired
func pruneStale(tx kv.Tx, active string) (int, error) {
	members, err := tx.SMembers(active)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, member := range members {
		if _, ok := tx.Get(slotKeyPrefix + member); !ok {
			if _, err := tx.SRem(active, member); err != nil {
				return 0, err
			}
			continue
		}
		live++
	}
	return live, nil
}

// acquireScript grants a slot when capacity allows.
// keys: active set; args: request id, max concurrent
var acquireScript = kv.NewScript("throttle_acquire", func(tx kv.Tx, keys []string, args []string) (any, error) {
	active := keys[0]
	requestID := args[0]
	maxConcurrent, _ := strconv.Atoi(args[1])

	count, err := pruneStale(tx, active)
	if err != nil {
		return nil, err
	}
	if count >= maxConcurrent {
		return false, nil
	}
	if _, err := tx.SAdd(active, requestID); err != nil {
		return nil, err
	}
	tx.SetEx(slotKeyPrefix+requestID, slotTTL, "1")
	return true, nil
})

// acquireFromQueueScript grants a slot to a waiting request only when it
// is at the head of the queue, so releases wake the highest priority
// waiter first.
// keys: active set, queue; args: request id, max concurrent
var acquireFromQueueScript = kv.NewScript("throttle_acquire_queued", func(tx kv.Tx, keys []string, args []string) (any, error) {
	active, queue := keys[0], keys[1]
	requestID := args[0]
	maxConcurrent, _ := strconv.Atoi(args[1])

	count, err := pruneStale(tx, active)
	if err != nil {
		return nil, err
	}
	if count >= maxConcurrent {
		return false, nil
	}
	head, err := tx.ZRangeWithScores(queue, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 || head[0].Member != requestID {
		return false, nil
	}
	if _, err := tx.ZRem(queue, requestID); err != nil {
		return nil, err
	}
	if _, err := tx.SAdd(active, requestID); err != nil {
		return nil, err
	}
	tx.SetEx(slotKeyPrefix+requestID, slotTTL, "1")
	return true, nil
})

// enqueueScript appends a request to the priority queue unless full.
// keys: queue, sequence counter; args: request id, priority rank, max queue size
var enqueueScript = kv.NewScript("throttle_enqueue", func(tx kv.Tx, keys []string, args []string) (any, error) {
	queue, seqKey := keys[0], keys[1]
	requestID := args[0]
	rank, _ := strconv.Atoi(args[1])
	maxQueue, _ := strconv.Atoi(args[2])

	depth, err := tx.ZCard(queue)
	if err != nil {
		return nil, err
	}
	if depth >= maxQueue {
		return false, nil
	}
	seq, err := tx.IncrBy(seqKey, 1)
	if err != nil {
		return nil, err
	}
	score := float64(rank)*rankStride + float64(seq)
	if err := tx.ZAdd(queue, kv.ZMember{Member: requestID, Score: score}); err != nil {
		return nil, err
	}
	return true, nil
})

// AcquireSlot tries to take an active slot directly
func (s *Storage) AcquireSlot(ctx context.Context, requestID string, maxConcurrent int) (bool, error) {
	result, err := s.kv.Eval(ctx, acquireScript, []string{activeSetKey},
		[]string{requestID, strconv.Itoa(maxConcurrent)})
	if err != nil {
		return false, err
	}
	acquired, _ := result.(bool)
	return acquired, nil
}

// AcquireFromQueue tries to move a queued request into an active slot;
// only the queue head succeeds
func (s *Storage) AcquireFromQueue(ctx context.Context, requestID string, maxConcurrent int) (bool, error) {
	result, err := s.kv.Eval(ctx, acquireFromQueueScript, []string{activeSetKey, queueKey},
		[]string{requestID, strconv.Itoa(maxConcurrent)})
	if err != nil {
		return false, err
	}
	acquired, _ := result.(bool)
	return acquired, nil
}

// ReleaseSlot frees an active slot. Releasing an already-released or
// timed-out slot is a no-op.
func (s *Storage) ReleaseSlot(ctx context.Context, requestID string) error {
	if _, err := s.kv.SRem(ctx, activeSetKey, requestID); err != nil {
		return err
	}
	_, err := s.kv.Delete(ctx, slotKeyPrefix+requestID)
	return err
}

// Enqueue adds a request to the waiting queue
func (s *Storage) Enqueue(ctx context.Context, requestID string, priority Priority, maxQueueSize int) (bool, error) {
	result, err := s.kv.Eval(ctx, enqueueScript, []string{queueKey, queueSeqKey},
		[]string{requestID, strconv.Itoa(priority.Rank()), strconv.Itoa(maxQueueSize)})
	if err != nil {
		return false, err
	}
	enqueued, _ := result.(bool)
	return enqueued, nil
}

// Dequeue removes a request from the waiting queue (used on timeout,
// cancellation and acquire errors; a successful queued acquire removes
// the entry itself)
func (s *Storage) Dequeue(ctx context.Context, requestID string) error {
	_, err := s.kv.Eval(ctx, removeFromQueueScript, []string{queueKey}, []string{requestID})
	return err
}

var removeFromQueueScript = kv.NewScript("throttle_dequeue", func(tx kv.Tx, keys []string, args []string) (any, error) {
	_, err := tx.ZRem(keys[0], args[0])
	return nil, err
})

// HighestWaitingPriority returns the priority of the queue head
func (s *Storage) HighestWaitingPriority(ctx context.Context) (Priority, bool, error) {
	result, err := s.kv.Eval(ctx, headPriorityScript, []string{queueKey}, nil)
	if err != nil {
		return "", false, err
	}
	rank, ok := result.(int)
	if !ok {
		return "", false, nil
	}
	return priorityFromRank(rank), true, nil
}

var headPriorityScript = kv.NewScript("throttle_head_priority", func(tx kv.Tx, keys []string, args []string) (any, error) {
	head, err := tx.ZRangeWithScores(keys[0], 0, 0)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 {
		return nil, nil
	}
	return int(head[0].Score / rankStride), nil
})

// GetMetrics reads current load
func (s *Storage) GetMetrics(ctx context.Context, maxConcurrent, maxQueueSize int) (Metrics, error) {
	result, err := s.kv.Eval(ctx, metricsScript, []string{activeSetKey, queueKey}, nil)
	if err != nil {
		return Metrics{}, err
	}
	counts := result.([2]int)
	m := Metrics{Active: counts[0], Queued: counts[1]}
	if maxConcurrent > 0 {
		m.Utilization = float64(m.Active) / float64(maxConcurrent)
	}
	if maxQueueSize > 0 {
		m.QueuePressure = float64(m.Queued) / float64(maxQueueSize)
	}
	return m, nil
}

var metricsScript = kv.NewScript("throttle_metrics", func(tx kv.Tx, keys []string, args []string) (any, error) {
	active, err := pruneStale(tx, keys[0])
	if err != nil {
		return nil, err
	}
	queued, err := tx.ZCard(keys[1])
	if err != nil {
		return nil, err
	}
	return [2]int{active, queued}, nil
})
