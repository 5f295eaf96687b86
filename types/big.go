package types

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// BigInt is a big.Int wrapper which marshals JSON and CBOR to a decimal
// string representation of the big number. Note that a nil pointer value
// marshals as "0".
type BigInt big.Int

// NewInt creates a new BigInt from the given integer value.
func NewInt(x int64) *BigInt {
	return (*BigInt)(big.NewInt(x))
}

// MarshalText returns the decimal string representation of the big number.
// If the receiver is nil, we return "0".
func (i *BigInt) MarshalText() ([]byte, error) {
	if i == nil {
		return []byte("0"), nil
	}
	return (*big.Int)(i).MarshalText()
}

// UnmarshalText parses the text representation into the big number.
func (i *BigInt) UnmarshalText(data []byte) error {
	if i == nil {
		return fmt.Errorf("cannot unmarshal into nil BigInt")
	}
	return (*big.Int)(i).UnmarshalText(data)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
// It supports both string and numeric JSON representations.
func (i *BigInt) UnmarshalJSON(data []byte) error {
	if i == nil {
		return fmt.Errorf("cannot unmarshal into nil BigInt")
	}
	// If it's a string representation (with double quotes)
	if len(data) > 0 && data[0] == '"' {
		return i.UnmarshalText(data[1 : len(data)-1])
	}
	// If it's a numeric representation (without quotes)
	return i.UnmarshalText(data)
}

// MarshalJSON implements the json.Marshaler interface, encoding the number
// as a quoted decimal string.
func (i *BigInt) MarshalJSON() ([]byte, error) {
	txt, err := i.MarshalText()
	if err != nil {
		return nil, err
	}
	return []byte(`"` + string(txt) + `"`), nil
}

// MarshalCBOR explicitly encodes BigInt as a CBOR text string.
func (i *BigInt) MarshalCBOR() ([]byte, error) {
	txt, err := i.MarshalText()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(string(txt))
}

// UnmarshalCBOR decodes a CBOR text string into BigInt.
func (i *BigInt) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return i.UnmarshalText([]byte(s))
}

// String returns the decimal string representation of the big number.
func (i *BigInt) String() string {
	if i == nil {
		return "0"
	}
	return (*big.Int)(i).String()
}

// SetBytes interprets buf as big-endian unsigned integer.
func (i *BigInt) SetBytes(buf []byte) *BigInt {
	return (*BigInt)(i.MathBigInt().SetBytes(buf))
}

// SetUint64 sets the value of the BigInt to the given uint64.
func (i *BigInt) SetUint64(x uint64) *BigInt {
	return (*BigInt)(i.MathBigInt().SetUint64(x))
}

// Add sets i to x+y and returns i.
func (i *BigInt) Add(x, y *BigInt) *BigInt {
	return (*BigInt)(i.MathBigInt().Add(x.MathBigInt(), y.MathBigInt()))
}

// Sub sets i to x-y and returns i.
func (i *BigInt) Sub(x, y *BigInt) *BigInt {
	return (*BigInt)(i.MathBigInt().Sub(x.MathBigInt(), y.MathBigInt()))
}

// Mul sets i to x*y and returns i.
func (i *BigInt) Mul(x, y *BigInt) *BigInt {
	return (*BigInt)(i.MathBigInt().Mul(x.MathBigInt(), y.MathBigInt()))
}

// Cmp compares i and x and returns -1, 0 or +1.
func (i *BigInt) Cmp(x *BigInt) int {
	return i.MathBigInt().Cmp(x.MathBigInt())
}

// Equal returns true if i == x.
func (i *BigInt) Equal(x *BigInt) bool {
	return i.Cmp(x) == 0
}

// MathBigInt converts the BigInt to a *big.Int. A nil receiver converts to
// a zero-valued big.Int.
func (i *BigInt) MathBigInt() *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return (*big.Int)(i)
}
