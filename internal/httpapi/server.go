package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pvzzle/ordertrack/internal/gasfee"
	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/txflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Flows prepares fee-bumped resubmissions.
type Flows interface {
	Cancel(ctx context.Context, key ledger.Key) (*ledger.TxRequest, error)
	Replace(ctx context.Context, key ledger.Key) (*ledger.TxRequest, error)
}

type Config struct {
	Ledger   *ledger.Ledger
	Flows    Flows
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

type Server struct {
	ledger *ledger.Ledger
	flows  Flows
	now    func() time.Time

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{ledger: cfg.Ledger, flows: cfg.Flows, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s.router = s.buildRouter(cfg.Gatherer)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Post("/orders", s.CreateOrder)
		api.Post("/transactions", s.CreateTransaction)
		api.Get("/accounts/{address}/transactions", s.ListTransactions)
		api.Delete("/accounts/{address}/chains/{chainID}/transactions", s.ClearTransactions)
		api.Route("/accounts/{address}/chains/{chainID}/transactions/{id}", func(tx chi.Router) {
			tx.Post("/submitted", s.MarkSubmitted)
			tx.Post("/cancel", s.CancelTransaction)
			tx.Post("/cancel/broadcast", s.CancelBroadcast)
			tx.Post("/replace", s.ReplaceTransaction)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"component":  "http",
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": chimw.GetReqID(r.Context()),
			"took":       time.Since(started),
		}).Debug("request")
	})
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	from, ok := parseAddress(w, r)
	if !ok {
		return
	}

	recs := s.ledger.List(from)
	sort.Slice(recs, func(i, j int) bool { return recs[i].AddedTime.After(recs[j].AddedTime) })

	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

type createOrderRequest struct {
	From        string         `json:"from"`
	ChainID     uint64         `json:"chainId"`
	ID          string         `json:"id"`
	OrderHash   string         `json:"orderHash"`
	QueueStatus string         `json:"queueStatus"`
	Request     *txRequestBody `json:"request"`
}

// CreateOrder records an off-chain order. The optional request is the
// on-chain transaction a cancellation of the order is derived from.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.From) {
		http.Error(w, "invalid from address", http.StatusBadRequest)
		return
	}
	if req.ChainID == 0 || strings.TrimSpace(req.OrderHash) == "" {
		http.Error(w, "chainId and orderHash are required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	queue := ledger.QueueStatus(req.QueueStatus)
	if queue == ledger.QueueNone {
		queue = ledger.QueueWaiting
	}
	if !queue.Valid() {
		http.Error(w, "invalid queueStatus", http.StatusBadRequest)
		return
	}

	from := common.HexToAddress(req.From)
	var txReq *ledger.TxRequest
	if req.Request != nil {
		var err error
		if txReq, err = req.Request.toRequest(from); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rec := ledger.TransactionRecord{
		ChainID:     req.ChainID,
		ID:          req.ID,
		From:        from,
		Kind:        ledger.KindOrder,
		Status:      ledger.StatusPending,
		OrderHash:   req.OrderHash,
		QueueStatus: queue,
		Request:     txReq,
		AddedTime:   s.now().UTC(),
	}
	if err := s.ledger.AddTransaction(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (s *Server) MarkSubmitted(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.SetQueueStatus(key, ledger.QueueSubmitted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	req, err := s.flows.Cancel(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelRequest": requestViewOf(req)})
}

func (s *Server) ReplaceTransaction(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	req, err := s.flows.Replace(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": requestViewOf(req)})
}

// CancelBroadcast re-keys a cancelling record under the hash of the
// cancellation once it has been sent.
func (s *Server) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	var req struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !isTxHash(req.Hash) {
		http.Error(w, "invalid hash", http.StatusBadRequest)
		return
	}
	if err := s.ledger.CancelTransactionWithHash(key, req.Hash); err != nil {
		writeError(w, err)
		return
	}
	rec, _ := s.ledger.Get(ledger.Key{From: key.From, ChainID: key.ChainID, ID: req.Hash})
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) ClearTransactions(w http.ResponseWriter, r *http.Request) {
	from, ok := parseAddress(w, r)
	if !ok {
		return
	}
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chain id", http.StatusBadRequest)
		return
	}
	s.ledger.ClearTransactions(from, chainID)
	w.WriteHeader(http.StatusNoContent)
}

type txRequestBody struct {
	To                   string `json:"to"`
	Nonce                uint64 `json:"nonce"`
	Value                string `json:"value"`
	GasLimit             uint64 `json:"gasLimit"`
	GasPrice             string `json:"gasPrice"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

func (b txRequestBody) toRequest(from common.Address) (*ledger.TxRequest, error) {
	txReq := &ledger.TxRequest{From: from, Nonce: b.Nonce, GasLimit: b.GasLimit}
	if b.To != "" {
		if !common.IsHexAddress(b.To) {
			return nil, errors.New("invalid address")
		}
		to := common.HexToAddress(b.To)
		txReq.To = &to
	}
	for _, f := range []struct {
		raw string
		dst **big.Int
	}{
		{b.Value, &txReq.Value},
		{b.GasPrice, &txReq.GasPrice},
		{b.MaxFeePerGas, &txReq.MaxFeePerGas},
		{b.MaxPriorityFeePerGas, &txReq.MaxPriorityFeePerGas},
	} {
		if f.raw == "" {
			continue
		}
		v, ok := new(big.Int).SetString(f.raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, errors.New("invalid amount " + f.raw)
		}
		*f.dst = v
	}
	return txReq, nil
}

type createTransactionRequest struct {
	ChainID uint64 `json:"chainId"`
	Hash    string `json:"hash"`
	From    string `json:"from"`
	txRequestBody
}

// CreateTransaction records a broadcast on-chain transaction, keyed by its hash.
func (s *Server) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.From) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	if req.ChainID == 0 || !isTxHash(req.Hash) {
		http.Error(w, "chainId and hash are required", http.StatusBadRequest)
		return
	}

	from := common.HexToAddress(req.From)
	txReq, err := req.toRequest(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := ledger.TransactionRecord{
		ChainID:   req.ChainID,
		ID:        req.Hash,
		From:      from,
		Kind:      ledger.KindClassic,
		Status:    ledger.StatusPending,
		Hash:      req.Hash,
		Request:   txReq,
		AddedTime: s.now().UTC(),
	}
	if err := s.ledger.AddTransaction(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

func parseAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseKey(w http.ResponseWriter, r *http.Request) (ledger.Key, bool) {
	from, ok := parseAddress(w, r)
	if !ok {
		return ledger.Key{}, false
	}
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chain id", http.StatusBadRequest)
		return ledger.Key{}, false
	}
	return ledger.Key{From: from, ChainID: chainID, ID: chi.URLParam(r, "id")}, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrTransactionExists),
		errors.Is(err, ledger.ErrDuplicateOrderHash):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrAlreadyFinal),
		errors.Is(err, ledger.ErrNotOrder),
		errors.Is(err, ledger.ErrInvalidQueueStatus),
		errors.Is(err, txflow.ErrNoRequest),
		errors.Is(err, txflow.ErrUnsupportedChain),
		errors.Is(err, gasfee.ErrInvalidAdjustmentFactor),
		errors.Is(err, gasfee.ErrMissingFeeDetails),
		errors.Is(err, gasfee.ErrRequestFeeShape),
		errors.Is(err, gasfee.ErrNoLegacyFloor),
		errors.Is(err, gasfee.ErrNoEIP1559Floor):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.WithError(err).WithField("component", "http").Error("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type requestView struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Nonce                uint64 `json:"nonce"`
	Value                string `json:"value,omitempty"`
	GasLimit             uint64 `json:"gasLimit"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

type recordView struct {
	ChainID     uint64       `json:"chainId"`
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Kind        string       `json:"kind"`
	Status      string       `json:"status"`
	Hash        string       `json:"hash,omitempty"`
	OrderHash   string       `json:"orderHash,omitempty"`
	QueueStatus string       `json:"queueStatus,omitempty"`
	NetworkFee  string       `json:"networkFee,omitempty"`
	Request     *requestView `json:"request,omitempty"`
	AddedTime   time.Time    `json:"addedTime"`
}

func viewOf(rec ledger.TransactionRecord) recordView {
	v := recordView{
		ChainID:     rec.ChainID,
		ID:          rec.ID,
		From:        rec.From.Hex(),
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		Hash:        rec.Hash,
		OrderHash:   rec.OrderHash,
		QueueStatus: string(rec.QueueStatus),
		Request:     requestViewOf(rec.Request),
		AddedTime:   rec.AddedTime,
	}
	if rec.NetworkFee != nil {
		v.NetworkFee = rec.NetworkFee.Quantity
	}
	return v
}

func requestViewOf(req *ledger.TxRequest) *requestView {
	if req == nil {
		return nil
	}
	v := &requestView{
		From:                 req.From.Hex(),
		Nonce:                req.Nonce,
		Value:                intString(req.Value),
		GasLimit:             req.GasLimit,
		GasPrice:             intString(req.GasPrice),
		MaxFeePerGas:         intString(req.MaxFeePerGas),
		MaxPriorityFeePerGas: intString(req.MaxPriorityFeePerGas),
	}
	if req.To != nil {
		v.To = req.To.Hex()
	}
	return v
}

func intString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
