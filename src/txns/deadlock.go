package txns

import (
	"context"
	"slices"
	"time"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// RunDeadlockDetection wakes every interval, rebuilds the wait-for graph
// from all lock queues and aborts victims until the graph is acyclic.
// Blocks until the context is cancelled; run it on its own goroutine.
func (lm *LockManager) RunDeadlockDetection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.DetectDeadlocks()
		}
	}
}

// DetectDeadlocks runs one detection pass. Exported so tests can drive
// the detector deterministically.
func (lm *LockManager) DetectDeadlocks() {
	for {
		victim := lm.findVictim()
		if victim == nil {
			return
		}

		lm.deadlocks.Add(context.Background(), 1)
		lm.log.Warnw("deadlock detected", "victimTxnID", victim.ID())

		victim.SetState(TxnAborted)
		lm.purgeTxn(victim.ID())
	}
}

// findVictim rebuilds the wait-for graph under a global lock over both
// resource maps and returns the victim of the first cycle found: the
// youngest (highest-id) transaction of the cycle. Nil when acyclic.
func (lm *LockManager) findVictim() *Transaction {
	lm.tableQueuesMu.Lock()
	defer lm.tableQueuesMu.Unlock()
	lm.rowQueuesMu.Lock()
	defer lm.rowQueuesMu.Unlock()

	edges := map[common.TxnID][]common.TxnID{}
	txns := map[common.TxnID]*Transaction{}

	collect := func(q *LockRequestQueue) {
		q.mu.Lock()
		defer q.mu.Unlock()

		for i, waiter := range q.requests {
			if waiter.granted || waiter.txn.State() == TxnAborted {
				continue
			}

			txns[waiter.txn.ID()] = waiter.txn
			for _, holder := range q.requests[:i] {
				if !holder.granted || holder.txn.State() == TxnAborted {
					continue
				}
				if holder.mode.Compatible(waiter.mode) {
					continue
				}

				txns[holder.txn.ID()] = holder.txn
				edges[waiter.txn.ID()] = append(edges[waiter.txn.ID()], holder.txn.ID())
			}
		}
	}

	for _, q := range lm.tableQueues {
		collect(q)
	}
	for _, q := range lm.rowQueues {
		collect(q)
	}

	cycle := findCycle(edges)
	if len(cycle) == 0 {
		return nil
	}

	victimID := slices.Max(cycle)
	return txns[victimID]
}

// findCycle runs DFS with nodes and out-edges visited in ascending txn
// id order, so the victim choice is deterministic for a given graph.
func findCycle(edges map[common.TxnID][]common.TxnID) []common.TxnID {
	nodes := make([]common.TxnID, 0, len(edges))
	for id := range edges {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	for _, outs := range edges {
		slices.Sort(outs)
	}

	const (
		white = iota
		gray
		black
	)
	color := map[common.TxnID]int{}
	var stack []common.TxnID

	var dfs func(id common.TxnID) []common.TxnID
	dfs = func(id common.TxnID) []common.TxnID {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range edges[id] {
			switch color[next] {
			case gray:
				// back edge: the cycle is the stack suffix from next
				for i, onStack := range stack {
					if onStack == next {
						return slices.Clone(stack[i:])
					}
				}
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range nodes {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// purgeTxn removes every request (granted or waiting) of the transaction
// from every queue and wakes the affected waiters. Called with both
// resource map locks NOT held.
func (lm *LockManager) purgeTxn(txnID common.TxnID) {
	lm.tableQueuesMu.Lock()
	tableQueues := make([]*LockRequestQueue, 0, len(lm.tableQueues))
	for _, q := range lm.tableQueues {
		tableQueues = append(tableQueues, q)
	}
	lm.tableQueuesMu.Unlock()

	lm.rowQueuesMu.Lock()
	rowQueues := make([]*LockRequestQueue, 0, len(lm.rowQueues))
	for _, q := range lm.rowQueues {
		rowQueues = append(rowQueues, q)
	}
	lm.rowQueuesMu.Unlock()

	for _, q := range tableQueues {
		lm.removeFromQueue(q, txnID)
	}
	for _, q := range rowQueues {
		lm.removeFromQueue(q, txnID)
	}
}
