package events

import (
	"math/big"
	"strconv"
)

func formatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func formatUnix(ts uint64) string {
	return strconv.FormatUint(ts, 10)
}
