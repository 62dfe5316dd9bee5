package incident

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity is the classified impact of an incident, P1 (critical) to P4 (low).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 1,
	SeverityHigh:     2,
	SeverityMedium:   3,
	SeverityLow:      4,
}

// ParseSeverity accepts either the name ("high") or the priority code ("P2").
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "p1":
		return SeverityCritical, nil
	case "p2":
		return SeverityHigh, nil
	case "p3":
		return SeverityMedium, nil
	case "p4":
		return SeverityLow, nil
	}
	if _, ok := severityRank[Severity(s)]; ok {
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Priority returns the P-number of the severity (1 is most severe), or 0 if unknown.
func (s Severity) Priority() int { return severityRank[s] }

// Code returns the "P1".."P4" form.
func (s Severity) Code() string {
	if p := s.Priority(); p > 0 {
		return fmt.Sprintf("P%d", p)
	}
	return ""
}

// Raise returns the severity n steps more severe, clamped at critical.
func (s Severity) Raise(n int) Severity {
	p := s.Priority()
	if p == 0 {
		return s
	}
	p -= n
	if p < 1 {
		p = 1
	}
	for sev, rank := range severityRank {
		if rank == p {
			return sev
		}
	}
	return s
}

// EscalationLevel is the monotonic response tier raised after each failed
// remediation round.
type EscalationLevel int

const (
	LevelAuto       EscalationLevel = 1
	LevelOnCall     EscalationLevel = 2
	LevelSenior     EscalationLevel = 3
	LevelManagement EscalationLevel = 4
)

func (l EscalationLevel) String() string {
	switch l {
	case LevelAuto:
		return "L1_AUTO"
	case LevelOnCall:
		return "L2_ONCALL"
	case LevelSenior:
		return "L3_SENIOR"
	case LevelManagement:
		return "L4_MANAGEMENT"
	}
	return fmt.Sprintf("L%d", int(l))
}

// ParseEscalationLevel accepts the full name ("L3_SENIOR"), the short form
// ("L3") or the bare number ("3").
func ParseEscalationLevel(s string) (EscalationLevel, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if name, _, ok := strings.Cut(s, "_"); ok {
		if l, err := ParseEscalationLevel(name); err == nil && l.String() == s {
			return l, nil
		}
		return 0, fmt.Errorf("unknown escalation level %q", s)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "L"))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("unknown escalation level %q", s)
	}
	return EscalationLevel(n), nil
}
