package gasfee

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/pvzzle/ordertrack/internal/ledger"
)

type FeeType string

const (
	FeeTypeNone    FeeType = ""
	FeeTypeLegacy  FeeType = "legacy"
	FeeTypeEIP1559 FeeType = "eip1559"
)

var (
	ErrInvalidAdjustmentFactor = errors.New("adjustment factor must be a finite number greater than 1")
	ErrMissingFeeDetails       = errors.New("gas fee details missing from both the request and the current parameters")
	ErrRequestFeeShape         = errors.New("request carries neither a gas price nor both EIP-1559 fee fields")
	ErrNoLegacyFloor           = errors.New("legacy request but current gas fee parameters are missing")
	ErrNoEIP1559Floor          = errors.New("EIP-1559 request but current gas fee parameters are missing")
)

// FeeParams holds either a legacy gas price or the EIP-1559 pair.
type FeeParams struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (p FeeParams) Type() FeeType {
	if p.MaxFeePerGas != nil && p.MaxPriorityFeePerGas != nil {
		return FeeTypeEIP1559
	}
	if p.GasPrice != nil {
		return FeeTypeLegacy
	}
	return FeeTypeNone
}

type Result struct {
	Type   FeeType
	Params FeeParams
}

// FeesOf extracts the fee fields of a request.
func FeesOf(req *ledger.TxRequest) FeeParams {
	if req == nil {
		return FeeParams{}
	}
	return FeeParams{
		GasPrice:             req.GasPrice,
		MaxFeePerGas:         req.MaxFeePerGas,
		MaxPriorityFeePerGas: req.MaxPriorityFeePerGas,
	}
}

// Adjust bumps the fees of req for a cancel or replace submission. Each
// output value is floor(max(requested, prior) * factor) and keeps the shape
// of req; a prior of the other shape still provides the floor.
func Adjust(req *ledger.TxRequest, current *FeeParams, factor float64) (Result, error) {
	mult, err := factorRat(factor)
	if err != nil {
		return Result{}, err
	}

	requested := FeesOf(req)
	var prior FeeParams
	if current != nil {
		prior = *current
	}

	reqType, priorType := requested.Type(), prior.Type()
	switch {
	case reqType == FeeTypeNone && priorType == FeeTypeNone:
		return Result{}, ErrMissingFeeDetails
	case reqType == FeeTypeNone:
		return Result{}, ErrRequestFeeShape
	}

	if reqType == FeeTypeLegacy {
		var floor *big.Int
		switch priorType {
		case FeeTypeLegacy:
			floor = prior.GasPrice
		case FeeTypeEIP1559:
			floor = prior.MaxFeePerGas
		default:
			return Result{}, ErrNoLegacyFloor
		}
		return Result{
			Type:   FeeTypeLegacy,
			Params: FeeParams{GasPrice: bump(requested.GasPrice, floor, mult)},
		}, nil
	}

	var maxFloor, tipFloor *big.Int
	switch priorType {
	case FeeTypeEIP1559:
		maxFloor, tipFloor = prior.MaxFeePerGas, prior.MaxPriorityFeePerGas
	case FeeTypeLegacy:
		maxFloor, tipFloor = prior.GasPrice, prior.GasPrice
	default:
		return Result{}, ErrNoEIP1559Floor
	}
	return Result{
		Type: FeeTypeEIP1559,
		Params: FeeParams{
			MaxFeePerGas:         bump(requested.MaxFeePerGas, maxFloor, mult),
			MaxPriorityFeePerGas: bump(requested.MaxPriorityFeePerGas, tipFloor, mult),
		},
	}, nil
}

// Apply returns a copy of req carrying the adjusted fees.
func Apply(req *ledger.TxRequest, res Result) *ledger.TxRequest {
	out := req.Clone()
	if out == nil {
		out = &ledger.TxRequest{}
	}
	out.GasPrice, out.MaxFeePerGas, out.MaxPriorityFeePerGas = nil, nil, nil

	switch res.Type {
	case FeeTypeLegacy:
		out.GasPrice = new(big.Int).Set(res.Params.GasPrice)
	case FeeTypeEIP1559:
		out.MaxFeePerGas = new(big.Int).Set(res.Params.MaxFeePerGas)
		out.MaxPriorityFeePerGas = new(big.Int).Set(res.Params.MaxPriorityFeePerGas)
	}
	return out
}

func bump(requested, floor *big.Int, mult *big.Rat) *big.Int {
	base := requested
	if floor != nil && floor.Cmp(base) > 0 {
		base = floor
	}
	n := new(big.Int).Mul(base, mult.Num())
	return n.Quo(n, mult.Denom())
}

// factorRat keeps the decimal value of the factor, so 100 * 1.2 is 120
// rather than the 119.99... the binary float would give.
func factorRat(factor float64) (*big.Rat, error) {
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdjustmentFactor, factor)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(factor, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdjustmentFactor, factor)
	}
	return r, nil
}
