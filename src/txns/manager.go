package txns

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// TxnManager hands out transaction ids and drives Begin/Commit/Abort.
// All locks a transaction holds are released at commit or abort; the
// deadlock detector may have already stripped a victim's queues, in
// which case the release here is a no-op.
type TxnManager struct {
	mu   sync.Mutex
	txns map[common.TxnID]*Transaction

	nextTxnID atomic.Uint64

	lm  *LockManager
	log *zap.SugaredLogger
}

func NewTxnManager(lm *LockManager, log *zap.SugaredLogger) *TxnManager {
	return &TxnManager{
		txns: map[common.TxnID]*Transaction{},
		lm:   lm,
		log:  log,
	}
}

func (m *TxnManager) Begin(iso IsolationLevel) *Transaction {
	id := common.TxnID(m.nextTxnID.Add(1) - 1)
	txn := newTransaction(id, iso)

	m.mu.Lock()
	m.txns[id] = txn
	m.mu.Unlock()

	return txn
}

func (m *TxnManager) Get(id common.TxnID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	return txn, ok
}

func (m *TxnManager) Commit(txn *Transaction) {
	txn.SetState(TxnCommitted)
	m.lm.ReleaseAll(txn)

	m.log.Debugw("transaction committed", "txnID", txn.ID())
}

func (m *TxnManager) Abort(txn *Transaction) {
	txn.SetState(TxnAborted)
	m.lm.ReleaseAll(txn)

	m.log.Debugw("transaction aborted", "txnID", txn.ID())
}

func (m *TxnManager) LockManager() *LockManager {
	return m.lm
}
