package ledger

import (
	"fmt"
	"sync"

	"github.com/pvzzle/ordertrack/internal/bus"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the in-memory owner -> chain -> id store of transaction records.
// Records change only through the transition methods below; every committed
// write is broadcast to subscribers in commit order.
type Ledger struct {
	mu      sync.RWMutex
	data    map[common.Address]map[uint64]map[string]*TransactionRecord
	byOrder map[string]Key

	updates *bus.Broadcaster[Update]
}

func New() *Ledger {
	return &Ledger{
		data:    make(map[common.Address]map[uint64]map[string]*TransactionRecord),
		byOrder: make(map[string]Key),
		updates: bus.NewBroadcaster[Update](),
	}
}

// Subscribe returns a stream of every update committed after the call.
func (l *Ledger) Subscribe() *bus.Subscription[Update] {
	return l.updates.Subscribe()
}

func (l *Ledger) Get(key Key) (TransactionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec := l.lookup(key)
	if rec == nil {
		return TransactionRecord{}, false
	}
	return rec.Clone(), true
}

func (l *Ledger) GetByOrderHash(orderHash string) (TransactionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key, ok := l.byOrder[orderHash]
	if !ok {
		return TransactionRecord{}, false
	}
	rec := l.lookup(key)
	if rec == nil {
		return TransactionRecord{}, false
	}
	return rec.Clone(), true
}

// List returns copies of every record owned by from.
func (l *Ledger) List(from common.Address) []TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TransactionRecord
	for _, byID := range l.data[from] {
		for _, rec := range byID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (l *Ledger) All() []TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TransactionRecord
	for _, byChain := range l.data {
		for _, byID := range byChain {
			for _, rec := range byID {
				out = append(out, rec.Clone())
			}
		}
	}
	return out
}

func (l *Ledger) AddTransaction(rec TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.Key()
	if l.lookup(key) != nil {
		return fmt.Errorf("addTransaction: attempted to overwrite transaction with id %s: %w", key.ID, ErrTransactionExists)
	}
	if err := l.checkOrderHash(rec, key); err != nil {
		return fmt.Errorf("addTransaction: %w", err)
	}

	stored := rec.Clone()
	l.store(key, &stored)
	l.publish(OpAdded, key, &stored, true)
	return nil
}

func (l *Ledger) UpdateTransaction(rec TransactionRecord) error {
	return l.update("updateTransaction", rec, true)
}

// UpdateTransactionWithoutWatch commits like UpdateTransaction but flags the
// broadcast so watch supervisors do not start a new watch for it.
func (l *Ledger) UpdateTransactionWithoutWatch(rec TransactionRecord) error {
	return l.update("updateTransactionWithoutWatch", rec, false)
}

func (l *Ledger) update(op string, rec TransactionRecord, watch bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.Key()
	prev := l.lookup(key)
	if prev == nil {
		return missing(op, key)
	}
	if err := l.checkOrderHash(rec, key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if prev.OrderHash != "" && prev.OrderHash != rec.OrderHash {
		delete(l.byOrder, prev.OrderHash)
	}
	stored := rec.Clone()
	l.store(key, &stored)
	l.publish(OpUpdated, key, &stored, watch)
	return nil
}

// ApplyOrderUpdate hands the current record of the order behind orderHash to
// fn while holding the write lock, and commits what fn returns when it
// reports true. The commit is broadcast like UpdateTransactionWithoutWatch.
// It returns the record held by the ledger afterwards.
func (l *Ledger) ApplyOrderUpdate(orderHash string, fn func(cur TransactionRecord) (TransactionRecord, bool)) (TransactionRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.byOrder[orderHash]
	var cur *TransactionRecord
	if ok {
		cur = l.lookup(key)
	}
	if cur == nil {
		return TransactionRecord{}, false, fmt.Errorf("applyOrderUpdate: order %s: %w", orderHash, ErrTransactionNotFound)
	}

	next, apply := fn(cur.Clone())
	if !apply {
		return cur.Clone(), false, nil
	}
	if next.Key() != key || next.OrderHash != orderHash {
		return cur.Clone(), false, fmt.Errorf("applyOrderUpdate: order %s: %w", orderHash, ErrKeyChanged)
	}

	stored := next.Clone()
	l.store(key, &stored)
	l.publish(OpUpdated, key, &stored, false)
	return stored.Clone(), true, nil
}

// SetQueueStatus moves an order to queue status q. Orders that already have
// a final status are left untouched.
func (l *Ledger) SetQueueStatus(key Key, q QueueStatus) (TransactionRecord, error) {
	if !q.Valid() {
		return TransactionRecord{}, fmt.Errorf("setQueueStatus: %q: %w", q, ErrInvalidQueueStatus)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil {
		return TransactionRecord{}, missing("setQueueStatus", key)
	}
	if !cur.IsOrder() {
		return TransactionRecord{}, fmt.Errorf("setQueueStatus: id %s: %w", key.ID, ErrNotOrder)
	}
	if cur.Status.IsFinal() {
		return TransactionRecord{}, fmt.Errorf("setQueueStatus: id %s is %s: %w", key.ID, cur.Status, ErrAlreadyFinal)
	}

	next := cur.Clone()
	next.QueueStatus = q
	l.store(key, &next)
	l.publish(OpUpdated, key, &next, true)
	return next.Clone(), nil
}

// FinalizeTransaction moves a record to a final status, copying the receipt
// and network fee when present. A successful order must carry its fill hash.
func (l *Ledger) FinalizeTransaction(rec TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.Key()
	cur := l.lookup(key)
	if cur == nil {
		return missing("finalizeTransaction", key)
	}
	if !rec.Status.IsFinal() {
		return fmt.Errorf("finalizeTransaction: %s for id %s: %w", rec.Status, key.ID, ErrNotFinalStatus)
	}
	if cur.IsOrder() && rec.Status == StatusSuccess && rec.Hash == "" {
		return fmt.Errorf("finalizeTransaction: order %s: %w", key.ID, ErrMissingFillHash)
	}

	next := cur.Clone()
	next.Status = rec.Status
	if rec.Hash != "" {
		next.Hash = rec.Hash
	}
	if rec.Receipt != nil {
		next.Receipt = rec.Clone().Receipt
	}
	if rec.NetworkFee != nil {
		nf := *rec.NetworkFee
		next.NetworkFee = &nf
	}

	l.store(key, &next)
	l.publish(OpFinalized, key, &next, true)
	return nil
}

func (l *Ledger) DeleteTransaction(key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil {
		return missing("deleteTransaction", key)
	}
	l.remove(key, cur)
	l.publish(OpDeleted, key, nil, false)
	return nil
}

// CancelTransaction marks the record Cancelling and keeps the request that
// will be used to attempt the cancellation.
func (l *Ledger) CancelTransaction(key Key, cancelRequest *TxRequest) error {
	if cancelRequest == nil {
		return fmt.Errorf("cancelTransaction: id %s: %w", key.ID, ErrMissingCancelRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil {
		return missing("cancelTransaction", key)
	}

	next := cur.Clone()
	next.Status = StatusCancelling
	next.CancelRequest = cancelRequest.Clone()

	l.store(key, &next)
	l.publish(OpCancelled, key, &next, true)
	return nil
}

// CancelTransactionWithHash re-keys the record under the hash of the
// cancellation transaction.
func (l *Ledger) CancelTransactionWithHash(key Key, cancelHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil {
		return missing("cancelTransactionWithHash", key)
	}
	newKey := Key{From: key.From, ChainID: key.ChainID, ID: cancelHash}
	if newKey != key && l.lookup(newKey) != nil {
		return fmt.Errorf("cancelTransactionWithHash: id %s: %w", cancelHash, ErrTransactionExists)
	}

	next := cur.Clone()
	next.ID = cancelHash
	next.Hash = cancelHash
	next.Status = StatusCancelling

	l.remove(key, cur)
	l.publish(OpDeleted, key, nil, false)
	l.store(newKey, &next)
	l.publish(OpCancelled, newKey, &next, true)
	return nil
}

func (l *Ledger) ReplaceTransaction(key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil {
		return fmt.Errorf("replaceTransaction: attempted to replace a tx that doesn't exist with id %s: %w", key.ID, ErrTransactionNotFound)
	}

	next := cur.Clone()
	next.Status = StatusReplacing

	l.store(key, &next)
	l.publish(OpReplaced, key, &next, true)
	return nil
}

// CheckedTransaction records the last block polled for a pending record.
// Missing or non-pending records are left untouched.
func (l *Ledger) CheckedTransaction(key Key, blockNumber uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.lookup(key)
	if cur == nil || cur.Status != StatusPending {
		return
	}

	next := cur.Clone()
	next.LastCheckedBlockNumber = blockNumber
	l.store(key, &next)
	l.publish(OpChecked, key, &next, false)
}

// ClearTransactions drops every record of one owner on one chain.
func (l *Ledger) ClearTransactions(from common.Address, chainID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byChain := l.data[from]
	if byChain == nil {
		return
	}
	byID, ok := byChain[chainID]
	if !ok {
		return
	}
	for _, rec := range byID {
		if rec.OrderHash != "" {
			delete(l.byOrder, rec.OrderHash)
		}
	}
	delete(byChain, chainID)
	if len(byChain) == 0 {
		delete(l.data, from)
	}
	l.publish(OpCleared, Key{From: from, ChainID: chainID}, nil, false)
}

func (l *Ledger) ResetTransactions() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data = make(map[common.Address]map[uint64]map[string]*TransactionRecord)
	l.byOrder = make(map[string]Key)
	l.publish(OpReset, Key{}, nil, false)
}

// UpsertFiatOnRampTransaction inserts or overwrites a fiat on-ramp record.
func (l *Ledger) UpsertFiatOnRampTransaction(rec TransactionRecord) error {
	if rec.Kind != KindFiatOnRamp {
		return fmt.Errorf("upsertFiatOnRampTransaction: id %s has kind %q: %w", rec.ID, rec.Kind, ErrNotFiatOnRamp)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.Key()
	op := OpAdded
	if l.lookup(key) != nil {
		op = OpUpdated
	}
	stored := rec.Clone()
	l.store(key, &stored)
	l.publish(op, key, &stored, true)
	return nil
}

// Hydrate loads persisted records into an empty ledger without broadcasting.
// Nothing is stored unless every record is valid.
func (l *Ledger) Hydrate(records []TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.data) > 0 {
		return ErrLedgerNotEmpty
	}

	keys := make(map[Key]struct{}, len(records))
	orders := make(map[string]Key)
	for _, rec := range records {
		key := rec.Key()
		if _, ok := keys[key]; ok {
			return fmt.Errorf("hydrate: id %s: %w", key.ID, ErrTransactionExists)
		}
		keys[key] = struct{}{}
		if rec.OrderHash == "" {
			continue
		}
		if _, ok := orders[rec.OrderHash]; ok {
			return fmt.Errorf("hydrate: order %s: %w", rec.OrderHash, ErrDuplicateOrderHash)
		}
		orders[rec.OrderHash] = key
	}

	for _, rec := range records {
		stored := rec.Clone()
		l.store(rec.Key(), &stored)
	}
	return nil
}

func (l *Ledger) lookup(key Key) *TransactionRecord {
	byChain := l.data[key.From]
	if byChain == nil {
		return nil
	}
	byID := byChain[key.ChainID]
	if byID == nil {
		return nil
	}
	return byID[key.ID]
}

func (l *Ledger) store(key Key, rec *TransactionRecord) {
	byChain := l.data[key.From]
	if byChain == nil {
		byChain = make(map[uint64]map[string]*TransactionRecord)
		l.data[key.From] = byChain
	}
	byID := byChain[key.ChainID]
	if byID == nil {
		byID = make(map[string]*TransactionRecord)
		byChain[key.ChainID] = byID
	}
	byID[key.ID] = rec
	if rec.OrderHash != "" {
		l.byOrder[rec.OrderHash] = key
	}
}

func (l *Ledger) remove(key Key, rec *TransactionRecord) {
	if rec.OrderHash != "" {
		delete(l.byOrder, rec.OrderHash)
	}
	byChain := l.data[key.From]
	byID := byChain[key.ChainID]
	delete(byID, key.ID)
	if len(byID) == 0 {
		delete(byChain, key.ChainID)
	}
	if len(byChain) == 0 {
		delete(l.data, key.From)
	}
}

func (l *Ledger) checkOrderHash(rec TransactionRecord, key Key) error {
	if rec.OrderHash == "" {
		return nil
	}
	if owner, ok := l.byOrder[rec.OrderHash]; ok && owner != key {
		return fmt.Errorf("order %s: %w", rec.OrderHash, ErrDuplicateOrderHash)
	}
	return nil
}

// publish runs under l.mu so subscribers see updates in commit order.
func (l *Ledger) publish(op Op, key Key, rec *TransactionRecord, watch bool) {
	u := Update{Op: op, Key: key, Watch: watch}
	if rec != nil {
		c := rec.Clone()
		u.Record = &c
	}
	l.updates.Publish(u)
}

func missing(op string, key Key) error {
	return fmt.Errorf("%s: attempted to access a missing transaction with id %s: %w", op, key.ID, ErrTransactionNotFound)
}
