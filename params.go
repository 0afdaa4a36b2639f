package hefield

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Scheme identifies which HE scheme a context implements.
type Scheme string

const (
	// SchemeCKKS is the approximate scheme used for numeric fields.
	SchemeCKKS Scheme = "ckks"
	// SchemeBFV is the exact scheme used for string fields, built on
	// lattigo's bgv package, which carries BFV since v6.
	SchemeBFV Scheme = "bfv"
)

// NumericParameters sizes the CKKS context.
type NumericParameters struct {
	LogN            int   // log2 of the polynomial modulus degree
	LogQ            []int // coefficient-modulus chain, one entry per level
	LogP            []int // auxiliary key-switching moduli
	LogDefaultScale int   // log2 of the encoding scale
}

// StringParameters sizes the BFV context.
type StringParameters struct {
	LogN             int
	LogQ             []int
	LogP             []int
	PlaintextModulus uint64
}

// DefaultNumericParameters is the 8192-degree, [60,40,40,60], 2^40 parameter set.
var DefaultNumericParameters = NumericParameters{
	LogN:            13,
	LogQ:            []int{60, 40, 40},
	LogP:            []int{60},
	LogDefaultScale: 40,
}

// DefaultStringParameters uses t = 65537 so every code point fits a single slot.
var DefaultStringParameters = StringParameters{
	LogN:             13,
	LogQ:             []int{54, 54},
	LogP:             []int{55},
	PlaintextModulus: 65537,
}

// defaultRotations are the rotation steps that get Galois keys at creation.
var defaultRotations = []int{1}

func (p NumericParameters) build() (ckks.Parameters, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            p.LogN,
		LogQ:            p.LogQ,
		LogP:            p.LogP,
		LogDefaultScale: p.LogDefaultScale,
	})
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("ckks parameters: %w", err)
	}
	return params, nil
}

func (p StringParameters) build() (bgv.Parameters, error) {
	params, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             p.LogN,
		LogQ:             p.LogQ,
		LogP:             p.LogP,
		PlaintextModulus: p.PlaintextModulus,
	})
	if err != nil {
		return bgv.Parameters{}, fmt.Errorf("bgv parameters: %w", err)
	}
	return params, nil
}

// parametersLiteral is the scheme-agnostic form persisted inside a context blob.
type parametersLiteral struct {
	LogN             int
	LogQ             []int
	LogP             []int
	LogDefaultScale  int
	PlaintextModulus uint64
}

func (p NumericParameters) literal() parametersLiteral {
	return parametersLiteral{
		LogN:            p.LogN,
		LogQ:            append([]int(nil), p.LogQ...),
		LogP:            append([]int(nil), p.LogP...),
		LogDefaultScale: p.LogDefaultScale,
	}
}

func (p StringParameters) literal() parametersLiteral {
	return parametersLiteral{
		LogN:             p.LogN,
		LogQ:             append([]int(nil), p.LogQ...),
		LogP:             append([]int(nil), p.LogP...),
		PlaintextModulus: p.PlaintextModulus,
	}
}

func (l parametersLiteral) numeric() NumericParameters {
	return NumericParameters{LogN: l.LogN, LogQ: l.LogQ, LogP: l.LogP, LogDefaultScale: l.LogDefaultScale}
}

func (l parametersLiteral) str() StringParameters {
	return StringParameters{LogN: l.LogN, LogQ: l.LogQ, LogP: l.LogP, PlaintextModulus: l.PlaintextModulus}
}
