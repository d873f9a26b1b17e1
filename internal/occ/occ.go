// Package occ parses and formats OCC option symbols
// (root + YYMMDD + C/P + strike x 1000 as eight digits).
package occ

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

// ErrInvalidSymbol is returned for strings that are not OCC option symbols.
var ErrInvalidSymbol = errors.New("invalid OCC option symbol")

const (
	dateLayout   = "060102"
	suffixLength = 15 // YYMMDD + C/P + 8 strike digits
)

var strikeScale = decimal.NewFromInt(1000)

// Symbol is a decoded OCC option symbol.
type Symbol struct {
	Underlying string
	Expiration time.Time
	Type       models.OptionType
	Strike     decimal.Decimal
}

// String formats the symbol back to its OCC form.
func (s Symbol) String() string {
	out, err := Format(s.Underlying, s.Expiration, s.Type, s.Strike)
	if err != nil {
		return ""
	}
	return out
}

// Parse decodes an OCC symbol. The root ends at the first digit, so roots that
// contain the letters C or P (CPB, PCAR) parse correctly. Space padding in the
// 21-character OSI form is ignored.
func Parse(symbol string) (Symbol, error) {
	s := strings.ReplaceAll(strings.TrimSpace(symbol), " ", "")
	idx := strings.IndexFunc(s, unicode.IsDigit)
	if idx <= 0 {
		return Symbol{}, fmt.Errorf("%w: %q has no underlying root", ErrInvalidSymbol, symbol)
	}
	rest := s[idx:]
	if len(rest) != suffixLength {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	exp, err := time.Parse(dateLayout, rest[:6])
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: bad expiration in %q", ErrInvalidSymbol, symbol)
	}

	var typ models.OptionType
	switch rest[6] {
	case 'C':
		typ = models.OptionCall
	case 'P':
		typ = models.OptionPut
	default:
		return Symbol{}, fmt.Errorf("%w: bad option type in %q", ErrInvalidSymbol, symbol)
	}

	digits := rest[7:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Symbol{}, fmt.Errorf("%w: bad strike in %q", ErrInvalidSymbol, symbol)
		}
	}
	raw, err := decimal.NewFromString(digits)
	if err != nil {
		return Symbol{}, fmt.Errorf("%w: bad strike in %q", ErrInvalidSymbol, symbol)
	}

	return Symbol{
		Underlying: s[:idx],
		Expiration: exp,
		Type:       typ,
		Strike:     raw.Div(strikeScale),
	}, nil
}

// Format builds an OCC symbol from its parts.
func Format(underlying string, expiration time.Time, typ models.OptionType, strike decimal.Decimal) (string, error) {
	root := strings.ToUpper(strings.TrimSpace(underlying))
	if root == "" || strings.IndexFunc(root, unicode.IsDigit) >= 0 {
		return "", fmt.Errorf("%w: root %q", ErrInvalidSymbol, underlying)
	}
	var cp string
	switch typ {
	case models.OptionCall:
		cp = "C"
	case models.OptionPut:
		cp = "P"
	default:
		return "", fmt.Errorf("%w: option type %q", ErrInvalidSymbol, typ)
	}
	scaled := strike.Mul(strikeScale)
	if !strike.IsPositive() || !scaled.Equal(scaled.Truncate(0)) || scaled.GreaterThanOrEqual(decimal.NewFromInt(100000000)) {
		return "", fmt.Errorf("%w: strike %s", ErrInvalidSymbol, strike)
	}
	return fmt.Sprintf("%s%s%s%08d", root, expiration.Format(dateLayout), cp, scaled.IntPart()), nil
}

// Underlying returns the root of an OCC symbol, or the input unchanged when it
// is not an option symbol (an equity ticker).
func Underlying(symbol string) string {
	s, err := Parse(symbol)
	if err != nil {
		return symbol
	}
	return s.Underlying
}

// IsOption reports whether symbol parses as an OCC option symbol.
func IsOption(symbol string) bool {
	_, err := Parse(symbol)
	return err == nil
}
