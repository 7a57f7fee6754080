package state

import (
	"fmt"
	"strings"
)

// Stage is how far a dataset has been materialized. Stages are totally
// ordered: Unloaded < BronzeReady < SilverReady < GoldReady.
type Stage int

const (
	Unloaded Stage = iota
	BronzeReady
	SilverReady
	GoldReady
)

var stageNames = [...]string{
	Unloaded:    "Unloaded",
	BronzeReady: "BronzeReady",
	SilverReady: "SilverReady",
	GoldReady:   "GoldReady",
}

func (s Stage) String() string {
	if s < Unloaded || s > GoldReady {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Valid() bool {
	return s >= Unloaded && s <= GoldReady
}

// Zone names the zone the stage transition into s produces.
func (s Stage) Zone() string {
	switch s {
	case BronzeReady:
		return "bronze"
	case SilverReady:
		return "silver"
	case GoldReady:
		return "gold"
	}
	return "raw"
}

// ParseStage accepts stage names and zone names, case-insensitively.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unloaded", "raw", "":
		return Unloaded, nil
	case "bronzeready", "bronze":
		return BronzeReady, nil
	case "silverready", "silver":
		return SilverReady, nil
	case "goldready", "gold":
		return GoldReady, nil
	}
	return Unloaded, fmt.Errorf("unknown stage %q", s)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Next is the stage transition function: it returns the stage to produce
// next on the way from current to target, and false once target is reached.
func Next(current, target Stage) (Stage, bool) {
	if current >= target {
		return current, false
	}
	return current + 1, true
}
