// Package amount implements the millisatoshi amount type that RPC parameters
// may be coerced into.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid millisatoshi amount")

const (
	msatPerSat = 1000
	msatPerBTC = 100_000_000_000
)

// Msat is an amount in millisatoshi.
type Msat uint64

// Parse accepts a bare integer ("1000") or a unit-suffixed string: "1000msat",
// "12sat", "0.5sat" or "0.001btc". Fractions must resolve to whole
// millisatoshi.
func Parse(s string) (Msat, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "msat"):
		return parseScaled(strings.TrimSuffix(s, "msat"), 1, s)
	case strings.HasSuffix(s, "sat"):
		return parseScaled(strings.TrimSuffix(s, "sat"), msatPerSat, s)
	case strings.HasSuffix(s, "btc"):
		return parseScaled(strings.TrimSuffix(s, "btc"), msatPerBTC, s)
	}
	return parseScaled(s, 1, s)
}

func parseScaled(num string, scale int64, orig string) (Msat, error) {
	if num == "" || strings.HasPrefix(num, "-") || strings.HasPrefix(num, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, orig)
	}
	r, ok := new(big.Rat).SetString(num)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, orig)
	}
	r.Mul(r, new(big.Rat).SetInt64(scale))
	if !r.IsInt() {
		return 0, fmt.Errorf("%w: %q is not a whole number of millisatoshi", ErrInvalid, orig)
	}
	n := r.Num()
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalid, orig)
	}
	return Msat(n.Uint64()), nil
}

// FromJSON coerces a raw JSON value, either an integer or a string accepted
// by Parse.
func FromJSON(raw json.RawMessage) (Msat, error) {
	var m Msat
	if err := m.UnmarshalJSON(raw); err != nil {
		return 0, err
	}
	return m, nil
}

// Sat returns the amount in whole satoshi, rounding down.
func (m Msat) Sat() uint64 { return uint64(m) / msatPerSat }

func (m Msat) String() string { return strconv.FormatUint(uint64(m), 10) + "msat" }

// MarshalJSON emits the amount as a plain integer.
func (m Msat) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(m), 10)), nil
}

func (m *Msat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		v, err := Parse(str)
		if err != nil {
			return err
		}
		*m = v
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	*m = Msat(n)
	return nil
}
