package core

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

// ErrInvalidFilename is returned when an upload's file name does not follow
// <clientId>_LibroMayor_<YYYYMM>.xlsx.
var ErrInvalidFilename = errors.New("invalid ledger file name")

var fileNamePattern = regexp.MustCompile(`^(\d+)_LibroMayor_(\d{6})\.xlsx$`)

// LedgerFileName is a parsed ledger file name.
type LedgerFileName struct {
	ClientID int64
	Period   model.Period
}

// ParseFileName validates a ledger file name and extracts its client id
// and period.
func ParseFileName(name string) (LedgerFileName, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return LedgerFileName{}, fmt.Errorf("%w: %q does not match <client>_LibroMayor_<YYYYMM>.xlsx", ErrInvalidFilename, name)
	}
	clientID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return LedgerFileName{}, fmt.Errorf("%w: client id %q: %v", ErrInvalidFilename, m[1], err)
	}
	period, err := model.ParsePeriod(m[2])
	if err != nil {
		return LedgerFileName{}, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	return LedgerFileName{ClientID: clientID, Period: period}, nil
}
