// Package trigger parses the voice-segment trigger grammar ("asap",
// "between_songs", "before_end:X", "after_start:X", "bridge") into a typed
// Kind plus threshold, replacing the scattered string-splitting the source
// does inline at every call site.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which of the five trigger modes a segment carries.
type Kind int

const (
	ASAP Kind = iota
	BetweenSongs
	BeforeEnd
	AfterStart
	Bridge
)

func (k Kind) String() string {
	switch k {
	case ASAP:
		return "asap"
	case BetweenSongs:
		return "between_songs"
	case BeforeEnd:
		return "before_end"
	case AfterStart:
		return "after_start"
	case Bridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned for any trigger string outside the grammar, or
// with an unparseable threshold.
var ErrMalformed = errors.New("voice: malformed trigger")

// Parse splits a trigger string into its Kind and, for before_end/after_start,
// the threshold duration. asap, between_songs, and bridge carry no
// threshold at parse time (bridge's actual fire time depends on the
// crossfade duration and segment audio length, computed by the caller).
func Parse(s string) (Kind, time.Duration, error) {
	switch {
	case s == "asap":
		return ASAP, 0, nil
	case s == "between_songs":
		return BetweenSongs, 0, nil
	case s == "bridge":
		return Bridge, 0, nil
	case strings.HasPrefix(s, "before_end:"):
		d, err := parseSeconds(strings.TrimPrefix(s, "before_end:"))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrMalformed, s)
		}
		return BeforeEnd, d, nil
	case strings.HasPrefix(s, "after_start:"):
		d, err := parseSeconds(strings.TrimPrefix(s, "after_start:"))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrMalformed, s)
		}
		return AfterStart, d, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformed, s)
	}
}

func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}
