package recon

// IsCompatible reports whether the counts fit the cardinality:
//
//	OneToOne    1 line,  1 schedule
//	OneToMany   1 line,  2+ schedules
//	ManyToOne   2+ lines, 1 schedule
//	ManyToMany  2+ lines, 2+ schedules
//
// It is a structural check only; money is not inspected.
func IsCompatible(c CardinalityType, lineCount, scheduleCount int) bool {
	switch c {
	case OneToOne:
		return lineCount == 1 && scheduleCount == 1
	case OneToMany:
		return lineCount == 1 && scheduleCount >= 2
	case ManyToOne:
		return lineCount >= 2 && scheduleCount == 1
	case ManyToMany:
		return lineCount >= 2 && scheduleCount >= 2
	}
	return false
}

// ValidateSelection returns a *SelectionError when the counts do not fit.
// The error names the cardinality the counts would fit, if any, but never
// switches to it.
func ValidateSelection(c CardinalityType, lineCount, scheduleCount int) error {
	if IsCompatible(c, lineCount, scheduleCount) {
		return nil
	}
	detected, _ := DetectCardinality(lineCount, scheduleCount)
	return &SelectionError{
		Cardinality:   c,
		LineCount:     lineCount,
		ScheduleCount: scheduleCount,
		Detected:      detected,
	}
}

// DetectCardinality maps counts to the only cardinality that accepts them.
// ok is false when either count is zero.
func DetectCardinality(lineCount, scheduleCount int) (CardinalityType, bool) {
	switch {
	case lineCount <= 0 || scheduleCount <= 0:
		return "", false
	case lineCount == 1 && scheduleCount == 1:
		return OneToOne, true
	case lineCount == 1:
		return OneToMany, true
	case scheduleCount == 1:
		return ManyToOne, true
	default:
		return ManyToMany, true
	}
}

func cardinalityRule(c CardinalityType) string {
	switch c {
	case OneToOne:
		return "exactly one line and one schedule"
	case OneToMany:
		return "exactly one line and two or more schedules"
	case ManyToOne:
		return "two or more lines and exactly one schedule"
	case ManyToMany:
		return "two or more lines and two or more schedules"
	}
	return "a known cardinality type"
}
