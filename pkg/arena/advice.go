package arena

import (
	"fmt"
	"strings"
)

// Advice is a page access hint for mapped segments
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
)

// String returns the configuration name of the advice
func (a Advice) String() string {
	switch a {
	case AdviceNormal:
		return "normal"
	case AdviceRandom:
		return "random"
	case AdviceSequential:
		return "sequential"
	case AdviceWillNeed:
		return "willneed"
	default:
		return fmt.Sprintf("advice(%d)", int(a))
	}
}

// ParseAdvice converts a configuration string into an Advice
func ParseAdvice(s string) (Advice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return AdviceNormal, nil
	case "random":
		return AdviceRandom, nil
	case "sequential":
		return AdviceSequential, nil
	case "willneed":
		return AdviceWillNeed, nil
	default:
		return AdviceNormal, fmt.Errorf("unknown page advice %q", s)
	}
}
