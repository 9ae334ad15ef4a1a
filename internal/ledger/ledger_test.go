package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var owner = common.HexToAddress("0x1111111111111111111111111111111111111111")

func classicTx(id string) TransactionRecord {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return TransactionRecord{
		ChainID: 1,
		ID:      id,
		From:    owner,
		Kind:    KindClassic,
		Status:  StatusPending,
		Hash:    "0x0",
		Request: &TxRequest{
			From:     owner,
			To:       &to,
			Value:    big.NewInt(0),
			GasLimit: 21000,
			GasPrice: big.NewInt(100),
		},
		AddedTime: time.Now(),
	}
}

func orderTx(id, orderHash string) TransactionRecord {
	return TransactionRecord{
		ChainID:     1,
		ID:          id,
		From:        owner,
		Kind:        KindOrder,
		Status:      StatusPending,
		OrderHash:   orderHash,
		QueueStatus: QueueWaiting,
		AddedTime:   time.Now(),
	}
}

func TestLedger_AddThenGetReturnsSameRecord(t *testing.T) {
	l := New()
	rec := classicTx("0")

	require.NoError(t, l.AddTransaction(rec))

	got, ok := l.Get(rec.Key())
	require.True(t, ok)
	require.Equal(t, rec, got)
}

func TestLedger_AddRejectsDuplicateKey(t *testing.T) {
	l := New()
	rec := classicTx("5")
	require.NoError(t, l.AddTransaction(rec))

	changed := rec
	changed.Hash = "0xother"
	err := l.AddTransaction(changed)
	require.ErrorIs(t, err, ErrTransactionExists)

	got, _ := l.Get(rec.Key())
	require.Equal(t, "0x0", got.Hash)
}

func TestLedger_AddRejectsDuplicateOrderHash(t *testing.T) {
	l := New()
	require.NoError(t, l.AddTransaction(orderTx("a", "0xorder")))

	err := l.AddTransaction(orderTx("b", "0xorder"))
	require.ErrorIs(t, err, ErrDuplicateOrderHash)

	_, ok := l.Get(Key{From: owner, ChainID: 1, ID: "b"})
	require.False(t, ok)
}

func TestLedger_MissingKeyOperationsFailWithoutMutation(t *testing.T) {
	l := New()
	require.NoError(t, l.AddTransaction(classicTx("present")))
	before := l.All()

	missingKey := Key{From: owner, ChainID: 10, ID: "13"}
	rec := classicTx("13")
	rec.ChainID = 10
	rec.Status = StatusSuccess

	require.ErrorIs(t, l.UpdateTransaction(rec), ErrTransactionNotFound)
	require.ErrorIs(t, l.UpdateTransactionWithoutWatch(rec), ErrTransactionNotFound)
	require.ErrorIs(t, l.FinalizeTransaction(rec), ErrTransactionNotFound)
	require.ErrorIs(t, l.DeleteTransaction(missingKey), ErrTransactionNotFound)
	require.ErrorIs(t, l.CancelTransaction(missingKey, &TxRequest{}), ErrTransactionNotFound)
	require.ErrorIs(t, l.CancelTransactionWithHash(missingKey, "0xnew"), ErrTransactionNotFound)
	require.ErrorIs(t, l.ReplaceTransaction(missingKey), ErrTransactionNotFound)

	require.Equal(t, before, l.All())
}

func TestLedger_MissingErrorNamesOperationAndID(t *testing.T) {
	l := New()
	err := l.CancelTransaction(Key{From: owner, ChainID: 10, ID: "13"}, &TxRequest{})
	require.EqualError(t, err, "cancelTransaction: attempted to access a missing transaction with id 13: transaction not found")
}

func TestLedger_UpdateReplacesRecord(t *testing.T) {
	l := New()
	rec := orderTx("1", "0xorder")
	require.NoError(t, l.AddTransaction(rec))

	rec.QueueStatus = QueueSubmitted
	require.NoError(t, l.UpdateTransaction(rec))

	got, ok := l.GetByOrderHash("0xorder")
	require.True(t, ok)
	require.Equal(t, QueueSubmitted, got.QueueStatus)
}

func TestLedger_FinalizeCopiesReceiptAndFee(t *testing.T) {
	l := New()
	rec := classicTx("1")
	require.NoError(t, l.AddTransaction(rec))

	final := rec
	final.Status = StatusSuccess
	final.Receipt = &Receipt{BlockNumber: 10, GasUsed: 21000, EffectiveGasPrice: big.NewInt(3)}
	final.NetworkFee = &NetworkFee{Quantity: "63000", TokenSymbol: "ETH", ChainID: 1}
	require.NoError(t, l.FinalizeTransaction(final))

	got, _ := l.Get(rec.Key())
	require.Equal(t, StatusSuccess, got.Status)
	require.Equal(t, uint64(10), got.Receipt.BlockNumber)
	require.Equal(t, "63000", got.NetworkFee.Quantity)
}

func TestLedger_FinalizeOrderSuccessRequiresFillHash(t *testing.T) {
	l := New()
	rec := orderTx("1", "0xorder")
	require.NoError(t, l.AddTransaction(rec))

	final := rec
	final.Status = StatusSuccess
	require.ErrorIs(t, l.FinalizeTransaction(final), ErrMissingFillHash)

	got, _ := l.Get(rec.Key())
	require.Equal(t, StatusPending, got.Status)

	final.Hash = "0xfill"
	require.NoError(t, l.FinalizeTransaction(final))
	got, _ = l.Get(rec.Key())
	require.Equal(t, StatusSuccess, got.Status)
	require.Equal(t, "0xfill", got.Hash)
}

func TestLedger_FinalizeRejectsNonFinalStatus(t *testing.T) {
	l := New()
	rec := classicTx("1")
	require.NoError(t, l.AddTransaction(rec))

	rec.Status = StatusCancelling
	require.ErrorIs(t, l.FinalizeTransaction(rec), ErrNotFinalStatus)
}

func TestLedger_CancelAndReplace(t *testing.T) {
	l := New()
	rec := classicTx("420")
	require.NoError(t, l.AddTransaction(rec))

	require.ErrorIs(t, l.CancelTransaction(rec.Key(), nil), ErrMissingCancelRequest)

	cancelReq := &TxRequest{From: owner, GasPrice: big.NewInt(150)}
	require.NoError(t, l.CancelTransaction(rec.Key(), cancelReq))
	got, _ := l.Get(rec.Key())
	require.Equal(t, StatusCancelling, got.Status)
	require.Equal(t, int64(150), got.CancelRequest.GasPrice.Int64())

	require.NoError(t, l.ReplaceTransaction(rec.Key()))
	got, _ = l.Get(rec.Key())
	require.Equal(t, StatusReplacing, got.Status)
}

func TestLedger_CancelTransactionWithHashRekeys(t *testing.T) {
	l := New()
	rec := classicTx("tx1")
	require.NoError(t, l.AddTransaction(rec))

	require.NoError(t, l.CancelTransactionWithHash(rec.Key(), "0xnew"))

	_, ok := l.Get(rec.Key())
	require.False(t, ok)
	got, ok := l.Get(Key{From: owner, ChainID: 1, ID: "0xnew"})
	require.True(t, ok)
	require.Equal(t, "0xnew", got.Hash)
	require.Equal(t, StatusCancelling, got.Status)
}

func TestLedger_DeleteAndReset(t *testing.T) {
	l := New()
	a := orderTx("a", "0xa")
	require.NoError(t, l.AddTransaction(a))
	require.NoError(t, l.AddTransaction(classicTx("b")))

	require.NoError(t, l.DeleteTransaction(a.Key()))
	_, ok := l.GetByOrderHash("0xa")
	require.False(t, ok)
	require.Len(t, l.All(), 1)

	l.ResetTransactions()
	require.Empty(t, l.All())

	// the order hash is free again after a reset
	require.NoError(t, l.AddTransaction(orderTx("c", "0xa")))
}

func TestLedger_ClearTransactionsScopedToChain(t *testing.T) {
	l := New()
	require.NoError(t, l.AddTransaction(classicTx("1")))
	other := classicTx("2")
	other.ChainID = 10
	require.NoError(t, l.AddTransaction(other))

	l.ClearTransactions(owner, 1)
	l.ClearTransactions(owner, 999)
	l.ClearTransactions(common.HexToAddress("0xdead"), 1)

	all := l.All()
	require.Len(t, all, 1)
	require.Equal(t, uint64(10), all[0].ChainID)
}

func TestLedger_CheckedTransactionOnlyForPending(t *testing.T) {
	l := New()
	rec := classicTx("1")
	require.NoError(t, l.AddTransaction(rec))

	l.CheckedTransaction(rec.Key(), 100)
	got, _ := l.Get(rec.Key())
	require.Equal(t, uint64(100), got.LastCheckedBlockNumber)

	require.NoError(t, l.ReplaceTransaction(rec.Key()))
	l.CheckedTransaction(rec.Key(), 200)
	got, _ = l.Get(rec.Key())
	require.Equal(t, uint64(100), got.LastCheckedBlockNumber)

	l.CheckedTransaction(Key{ID: "missing"}, 1)
}

func TestLedger_UpsertFiatOnRamp(t *testing.T) {
	l := New()
	rec := TransactionRecord{ChainID: 1, ID: "fiat-1", From: owner, Kind: KindFiatOnRamp, Status: StatusPending}

	require.NoError(t, l.UpsertFiatOnRampTransaction(rec))
	rec.Status = StatusSuccess
	require.NoError(t, l.UpsertFiatOnRampTransaction(rec))

	got, _ := l.Get(rec.Key())
	require.Equal(t, StatusSuccess, got.Status)

	require.ErrorIs(t, l.UpsertFiatOnRampTransaction(classicTx("x")), ErrNotFiatOnRamp)
	_, ok := l.Get(classicTx("x").Key())
	require.False(t, ok)
}

func TestLedger_ReadsAreCopies(t *testing.T) {
	l := New()
	rec := classicTx("1")
	require.NoError(t, l.AddTransaction(rec))

	got, _ := l.Get(rec.Key())
	got.Request.GasPrice.SetInt64(1)
	got.Status = StatusFailed

	again, _ := l.Get(rec.Key())
	require.Equal(t, int64(100), again.Request.GasPrice.Int64())
	require.Equal(t, StatusPending, again.Status)
}

func TestLedger_BroadcastsInCommitOrder(t *testing.T) {
	l := New()
	sub := l.Subscribe()
	defer sub.Close()

	rec := orderTx("1", "0xorder")
	require.NoError(t, l.AddTransaction(rec))
	rec.QueueStatus = QueueSubmitted
	require.NoError(t, l.UpdateTransactionWithoutWatch(rec))
	require.NoError(t, l.DeleteTransaction(rec.Key()))
	require.Error(t, l.DeleteTransaction(rec.Key()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	u, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpAdded, u.Op)
	require.True(t, u.Watch)

	u, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpUpdated, u.Op)
	require.False(t, u.Watch)
	require.Equal(t, QueueSubmitted, u.Record.QueueStatus)

	u, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpDeleted, u.Op)
	require.Nil(t, u.Record)
}

func TestLedger_Hydrate(t *testing.T) {
	l := New()
	require.NoError(t, l.Hydrate([]TransactionRecord{classicTx("1"), orderTx("2", "0xo")}))

	_, ok := l.GetByOrderHash("0xo")
	require.True(t, ok)

	require.ErrorIs(t, l.Hydrate([]TransactionRecord{classicTx("3")}), ErrLedgerNotEmpty)
}

func TestLedger_HydrateStoresNothingOnInvalidBatch(t *testing.T) {
	l := New()

	err := l.Hydrate([]TransactionRecord{classicTx("1"), orderTx("2", "0xo"), orderTx("3", "0xo")})
	require.ErrorIs(t, err, ErrDuplicateOrderHash)
	require.Empty(t, l.All())
	_, ok := l.GetByOrderHash("0xo")
	require.False(t, ok)

	err = l.Hydrate([]TransactionRecord{classicTx("1"), classicTx("1")})
	require.ErrorIs(t, err, ErrTransactionExists)
	require.Empty(t, l.All())

	require.NoError(t, l.Hydrate([]TransactionRecord{classicTx("1")}))
}

func TestLedger_ApplyOrderUpdate(t *testing.T) {
	l := New()
	sub := l.Subscribe()
	defer sub.Close()

	rec := orderTx("1", "0xorder")
	require.NoError(t, l.AddTransaction(rec))

	got, applied, err := l.ApplyOrderUpdate("0xorder", func(cur TransactionRecord) (TransactionRecord, bool) {
		require.Equal(t, StatusPending, cur.Status)
		return cur, false
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, rec, got)

	got, applied, err = l.ApplyOrderUpdate("0xorder", func(cur TransactionRecord) (TransactionRecord, bool) {
		cur.Status = StatusSuccess
		cur.Hash = "0xfill"
		return cur, true
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "0xfill", got.Hash)

	stored, _ := l.Get(rec.Key())
	require.Equal(t, got, stored)

	_, _, err = l.ApplyOrderUpdate("0xorder", func(cur TransactionRecord) (TransactionRecord, bool) {
		cur.ID = "other"
		return cur, true
	})
	require.ErrorIs(t, err, ErrKeyChanged)
	_, ok := l.Get(Key{From: owner, ChainID: 1, ID: "other"})
	require.False(t, ok)

	_, _, err = l.ApplyOrderUpdate("0xmissing", func(cur TransactionRecord) (TransactionRecord, bool) {
		t.Fatal("fn called for a missing order")
		return cur, false
	})
	require.ErrorIs(t, err, ErrTransactionNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpAdded, u.Op)
	u, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpUpdated, u.Op)
	require.False(t, u.Watch)
	require.Equal(t, StatusSuccess, u.Record.Status)
}

func TestLedger_SetQueueStatus(t *testing.T) {
	l := New()
	rec := orderTx("1", "0xorder")
	require.NoError(t, l.AddTransaction(rec))
	require.NoError(t, l.AddTransaction(classicTx("c")))

	got, err := l.SetQueueStatus(rec.Key(), QueueSubmitted)
	require.NoError(t, err)
	require.Equal(t, QueueSubmitted, got.QueueStatus)
	require.Equal(t, StatusPending, got.Status)

	_, err = l.SetQueueStatus(rec.Key(), QueueStatus("bogus"))
	require.ErrorIs(t, err, ErrInvalidQueueStatus)
	_, err = l.SetQueueStatus(rec.Key(), QueueNone)
	require.ErrorIs(t, err, ErrInvalidQueueStatus)
	_, err = l.SetQueueStatus(Key{From: owner, ChainID: 1, ID: "c"}, QueueSubmitted)
	require.ErrorIs(t, err, ErrNotOrder)
	_, err = l.SetQueueStatus(Key{From: owner, ChainID: 1, ID: "missing"}, QueueSubmitted)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	failed := got
	failed.QueueStatus = QueueSubmissionFailed
	failed.Status = StatusFailed
	require.NoError(t, l.UpdateTransactionWithoutWatch(failed))

	_, err = l.SetQueueStatus(rec.Key(), QueueSubmitted)
	require.ErrorIs(t, err, ErrAlreadyFinal)
	stored, _ := l.Get(rec.Key())
	require.Equal(t, QueueSubmissionFailed, stored.QueueStatus)
}

func TestStatus_IsFinal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusCanceled, StatusFailedCancel, StatusExpired} {
		require.True(t, s.IsFinal(), s)
	}
	for _, s := range []Status{StatusPending, StatusCancelling, StatusReplacing, StatusInsufficientFunds, StatusUnknown} {
		require.False(t, s.IsFinal(), s)
	}
}
