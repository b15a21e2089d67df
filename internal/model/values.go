package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Values reads constant operands from a model's inline values and its mapped
// pools.
type Values struct {
	m     *Model
	pools [][]byte
}

// NewValues returns a reader over m. pools holds the host region of each
// model pool; it may be nil when the model has only constant copies.
func NewValues(m *Model, pools [][]byte) *Values {
	return &Values{m: m, pools: pools}
}

// Bytes returns the constant bytes of an operand.
func (v *Values) Bytes(operand int) ([]byte, error) {
	if operand < 0 || operand >= len(v.m.Operands) {
		return nil, fmt.Errorf("operand %d out of range", operand)
	}
	o := v.m.Operands[operand]
	loc := o.Location
	var region []byte
	switch o.Lifetime {
	case ConstantCopy:
		region = v.m.OperandValues
	case ConstantReference:
		if loc.PoolIndex < 0 || loc.PoolIndex >= len(v.pools) {
			return nil, fmt.Errorf("operand %d: pool %d is not mapped", operand, loc.PoolIndex)
		}
		region = v.pools[loc.PoolIndex]
	default:
		return nil, fmt.Errorf("operand %d is %s, not a constant", operand, o.Lifetime)
	}
	if loc.Offset < 0 || loc.Length < 0 || loc.Offset+loc.Length > len(region) {
		return nil, fmt.Errorf("operand %d: location %+v outside %d byte region", operand, loc, len(region))
	}
	return region[loc.Offset : loc.Offset+loc.Length], nil
}

func (v *Values) word(operand int) (uint32, error) {
	b, err := v.Bytes(operand)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, fmt.Errorf("operand %d: %d bytes is not a scalar", operand, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Int reads an int32 scalar.
func (v *Values) Int(operand int) (int, error) {
	w, err := v.word(operand)
	return int(int32(w)), err
}

// Float reads a float32 scalar.
func (v *Values) Float(operand int) (float32, error) {
	w, err := v.word(operand)
	return math.Float32frombits(w), err
}

// Bool reads a boolean scalar.
func (v *Values) Bool(operand int) (bool, error) {
	b, err := v.Bytes(operand)
	if err != nil {
		return false, err
	}
	if len(b) < 1 {
		return false, fmt.Errorf("operand %d: empty boolean", operand)
	}
	return b[0] != 0, nil
}
