package domain

import (
	"encoding/json"
	"fmt"
	"math/bits"
)

// Flag marks a single reason a ping lost confidence or was rejected.
type Flag uint8

const (
	FlagOutOfBounds Flag = iota
	FlagInvalidCoordinates
	FlagLowAccuracy
	FlagImplausibleSpeed
	FlagOutOfOrder
	FlagOffRoute
	FlagStaleTimestamp
	FlagBelowThreshold

	flagCount
)

var flagNames = [flagCount]string{
	FlagOutOfBounds:        "out_of_bounds",
	FlagInvalidCoordinates: "invalid_coordinates",
	FlagLowAccuracy:        "low_accuracy",
	FlagImplausibleSpeed:   "implausible_speed",
	FlagOutOfOrder:         "out_of_order",
	FlagOffRoute:           "off_route",
	FlagStaleTimestamp:     "stale_timestamp",
	FlagBelowThreshold:     "below_threshold",
}

func (f Flag) String() string {
	if f < flagCount {
		return flagNames[f]
	}
	return "unknown"
}

// ParseFlag maps a wire name back to its Flag.
func ParseFlag(s string) (Flag, error) {
	for i, name := range flagNames {
		if name == s {
			return Flag(i), nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", s)
}

// FlagSet is a bitmask of flags. The zero value is the empty set.
type FlagSet uint16

func NewFlagSet(flags ...Flag) FlagSet {
	var s FlagSet
	for _, f := range flags {
		s = s.Add(f)
	}
	return s
}

func (s FlagSet) Add(f Flag) FlagSet {
	return s | 1<<f
}

func (s FlagSet) Has(f Flag) bool {
	return s&(1<<f) != 0
}

func (s FlagSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// List returns the flags in declaration order.
func (s FlagSet) List() []Flag {
	out := make([]Flag, 0, s.Len())
	for f := Flag(0); f < flagCount; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Strings returns the wire names in declaration order.
func (s FlagSet) Strings() []string {
	flags := s.List()
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.String()
	}
	return out
}

func (s FlagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *FlagSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out FlagSet
	for _, n := range names {
		f, err := ParseFlag(n)
		if err != nil {
			return err
		}
		out = out.Add(f)
	}
	*s = out
	return nil
}
