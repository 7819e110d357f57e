package notification

import (
	"strconv"
	"strings"
)

// UnknownSender is the id reported for addresses without a numeric tail.
// Real user ids are strictly positive, so it never names a user.
const UnknownSender = 0

// ResolveSenderID returns the user id at the end of address, i.e. the
// segment after the last "/". It returns UnknownSender when that segment is
// missing or is not an integer. Other integers, zero or negative ones
// included, are returned as parsed.
func ResolveSenderID(address string) int {
	segment := address
	if i := strings.LastIndexByte(address, '/'); i >= 0 {
		segment = address[i+1:]
	}
	if segment == "" {
		return UnknownSender
	}

	id, err := strconv.Atoi(segment)
	if err != nil {
		return UnknownSender
	}
	return id
}
