package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// TextProgress is a progress signal recovered from a plain text line
// emitted by engines that predate the JSON protocol.
type TextProgress struct {
	Fraction    float64 // completion in [0,1]; meaningful only when HasFraction
	HasFraction bool
	Step        string // trailing description, if the line carried one
}

var (
	textPercentRe  = regexp.MustCompile(`(?i)progress\s*[:=]\s*(\d+(?:\.\d+)?)\s*%(.*)$`)
	textFractionRe = regexp.MustCompile(`(?i)\b(?:step|timestep|iteration|evaluation)\s+(\d+)\s*(?:/|of)\s*(\d+)`)
	textPhaseRe    = regexp.MustCompile(`(?i)^(?:loading|simulating|calibrating)\b`)
	textCompleteRe = regexp.MustCompile(`(?i)\b(?:simulation|run|calibration)\s+complete`)
)

// ParseTextProgress extracts a progress signal from one line of plain
// engine output. ok is false when the line carries nothing recognizable.
// Unrecognized lines are normal chatter, never an error.
func ParseTextProgress(line string) (TextProgress, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return TextProgress{}, false
	}

	if m := textPercentRe.FindStringSubmatch(trimmed); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return TextProgress{
				Fraction:    clampFraction(pct / 100),
				HasFraction: true,
				Step:        cleanStep(m[2]),
			}, true
		}
	}

	if m := textFractionRe.FindStringSubmatch(trimmed); m != nil {
		cur, errCur := strconv.ParseFloat(m[1], 64)
		total, errTotal := strconv.ParseFloat(m[2], 64)
		if errCur == nil && errTotal == nil && total > 0 {
			return TextProgress{
				Fraction:    clampFraction(cur / total),
				HasFraction: true,
				Step:        trimmed,
			}, true
		}
	}

	if textPhaseRe.MatchString(trimmed) {
		return TextProgress{Step: strings.TrimRight(trimmed, ".")}, true
	}

	return TextProgress{}, false
}

// IsTextCompletion reports whether a plain line announces the end of a
// run, e.g. "Simulation complete." Engines speaking the JSON protocol
// send a result message instead.
func IsTextCompletion(line string) bool {
	return textCompleteRe.MatchString(line)
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// cleanStep strips the separator punctuation between "NN%" and the
// trailing description, e.g. " - routing reach 12" or " (saving state)".
func cleanStep(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-:(")
	s = strings.TrimRight(s, ")")
	return strings.TrimSpace(s)
}
