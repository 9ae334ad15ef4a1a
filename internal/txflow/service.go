package txflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pvzzle/ordertrack/internal/ethwatch"
	"github.com/pvzzle/ordertrack/internal/gasfee"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/orderwatch"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedChain = errors.New("no chain client for chain")
	ErrAlreadyFinal     = ledger.ErrAlreadyFinal
	ErrNoRequest        = errors.New("transaction has no request to resubmit")
	ErrNotOrder         = ledger.ErrNotOrder
)

// ChainClient is the subset of *ethclient.Client the flows need.
type ChainClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type OrderWaiter interface {
	WaitForOrderStatus(ctx context.Context, orderHash string, queueStatus ledger.QueueStatus) (*orderwatch.Future, error)
}

type Config struct {
	AdjustmentFactor float64
	NativeSymbol     string
}

// Service drives records through cancel, replace and order finalization.
type Service struct {
	ledger  *ledger.Ledger
	waiter  OrderWaiter
	clients map[uint64]ChainClient
	cfg     Config
}

func NewService(l *ledger.Ledger, waiter OrderWaiter, clients map[uint64]ChainClient, cfg Config) *Service {
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	return &Service{ledger: l, waiter: waiter, clients: clients, cfg: cfg}
}

// Cancel prepares a zero-value self-send with the nonce of the original
// request and marks the record Cancelling. The returned request carries the
// adjusted fees and is ready to be signed.
func (s *Service) Cancel(ctx context.Context, key ledger.Key) (*ledger.TxRequest, error) {
	rec, client, err := s.resubmittable(key)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", key.ID, err)
	}

	self := rec.From
	cancelReq := &ledger.TxRequest{
		From:                 rec.From,
		To:                   &self,
		Nonce:                rec.Request.Nonce,
		Value:                new(big.Int),
		GasLimit:             params.TxGas,
		GasPrice:             rec.Request.GasPrice,
		MaxFeePerGas:         rec.Request.MaxFeePerGas,
		MaxPriorityFeePerGas: rec.Request.MaxPriorityFeePerGas,
	}

	adjusted, err := s.adjust(ctx, client, cancelReq)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", key.ID, err)
	}
	if err := s.ledger.CancelTransaction(key, adjusted); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"component": "txflow",
		"id":        key.ID,
		"nonce":     adjusted.Nonce,
		"fees":      gasfee.Describe(gasfee.FeesOf(adjusted)),
	}).Info("cancel prepared")
	return adjusted, nil
}

// Replace bumps the fees of the original request and marks the record Replacing.
func (s *Service) Replace(ctx context.Context, key ledger.Key) (*ledger.TxRequest, error) {
	rec, client, err := s.resubmittable(key)
	if err != nil {
		return nil, fmt.Errorf("replace %s: %w", key.ID, err)
	}

	adjusted, err := s.adjust(ctx, client, rec.Request)
	if err != nil {
		return nil, fmt.Errorf("replace %s: %w", key.ID, err)
	}
	if err := s.ledger.ReplaceTransaction(key); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"component": "txflow",
		"id":        key.ID,
		"fees":      gasfee.Describe(gasfee.FeesOf(adjusted)),
	}).Info("replacement prepared")
	return adjusted, nil
}

func (s *Service) resubmittable(key ledger.Key) (ledger.TransactionRecord, ChainClient, error) {
	rec, ok := s.ledger.Get(key)
	if !ok {
		return rec, nil, ledger.ErrTransactionNotFound
	}
	if rec.Status.IsFinal() {
		return rec, nil, fmt.Errorf("%w: %s", ErrAlreadyFinal, rec.Status)
	}
	if rec.Request == nil {
		return rec, nil, ErrNoRequest
	}
	client, err := s.client(rec.ChainID)
	if err != nil {
		return rec, nil, err
	}
	return rec, client, nil
}

func (s *Service) adjust(ctx context.Context, client ChainClient, req *ledger.TxRequest) (*ledger.TxRequest, error) {
	current, err := currentFees(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("current gas fees: %w", err)
	}
	res, err := gasfee.Adjust(req, &current, s.cfg.AdjustmentFactor)
	if err != nil {
		return nil, err
	}
	return gasfee.Apply(req, res), nil
}

// currentFees reads what the chain suggests right now: the EIP-1559 pair
// when the latest block carries a base fee, a legacy gas price otherwise.
func currentFees(ctx context.Context, client ChainClient) (gasfee.FeeParams, error) {
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return gasfee.FeeParams{}, err
	}

	if head.BaseFee == nil {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return gasfee.FeeParams{}, err
		}
		return gasfee.FeeParams{GasPrice: price}, nil
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return gasfee.FeeParams{}, err
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return gasfee.FeeParams{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// WatchOrder waits for the order behind key to resolve and finalizes it.
// Filled orders are finalized with the fill receipt and network fee. A
// resolution that is not final is returned without finalizing.
func (s *Service) WatchOrder(ctx context.Context, key ledger.Key) (ledger.TransactionRecord, error) {
	rec, ok := s.ledger.Get(key)
	if !ok {
		return rec, fmt.Errorf("watch order %s: %w", key.ID, ledger.ErrTransactionNotFound)
	}
	if !rec.IsOrder() || rec.OrderHash == "" {
		return rec, fmt.Errorf("watch order %s: %w", key.ID, ErrNotOrder)
	}

	fut, err := s.waiter.WaitForOrderStatus(ctx, rec.OrderHash, rec.QueueStatus)
	if err != nil {
		return rec, err
	}
	res, err := fut.Wait(ctx)
	if err != nil {
		return rec, err
	}

	logger := log.WithFields(log.Fields{
		"component": "txflow",
		"id":        key.ID,
		"order":     rec.OrderHash,
	})

	if res.QueueStatus == ledger.QueueSubmissionFailed {
		res.Status = ledger.StatusFailed
	}
	if !res.Status.IsFinal() {
		logger.WithField("status", res.Status).Info("order resolved without final status")
		return res, nil
	}

	if res.Status == ledger.StatusSuccess && res.Hash != "" {
		s.attachReceipt(ctx, &res, logger)
	}
	if err := s.ledger.FinalizeTransaction(res); err != nil {
		return res, err
	}

	final, _ := s.ledger.Get(key)
	logger.WithField("status", final.Status).Info("order finalized")
	return final, nil
}

// attachReceipt fills in the receipt and network fee of a filled order.
// Lookup failures leave the record without them.
func (s *Service) attachReceipt(ctx context.Context, rec *ledger.TransactionRecord, logger *log.Entry) {
	client, err := s.client(rec.ChainID)
	if err != nil {
		logger.WithError(err).Warn("no client for fill receipt")
		return
	}

	r, err := client.TransactionReceipt(ctx, common.HexToHash(rec.Hash))
	if err != nil {
		logger.WithError(err).Warn("fetch fill receipt")
		return
	}

	var confirmed time.Time
	if r.BlockNumber != nil {
		if head, err := client.HeaderByNumber(ctx, r.BlockNumber); err == nil {
			confirmed = time.Unix(int64(head.Time), 0).UTC()
		}
	}
	rec.Receipt = ethwatch.ToLedgerReceipt(r, confirmed)
	rec.NetworkFee = ethwatch.NetworkFeeOf(r, s.cfg.NativeSymbol, rec.ChainID)

	if rec.NetworkFee != nil {
		fee, _ := new(big.Int).SetString(rec.NetworkFee.Quantity, 10)
		logger.WithField("fee_eth", gasfee.WeiToEthString(fee)).Debug("fill receipt attached")
	}
}

func (s *Service) client(chainID uint64) (ChainClient, error) {
	c, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}
