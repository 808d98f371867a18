// Package resolution classifies a task's outcome from its status and
// activity timeline. Nothing here is stored; callers recompute on every read
// so later timeline entries always change the answer.
package resolution

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/tasktrack/task"
)

// Code is a resolution outcome.
type Code string

const (
	DeclinedAssignment          Code = "DECLINED_ASSIGNMENT"
	ReopenDeclinedVerified      Code = "REOPEN_DECLINED_VERIFIED"
	ReopenDeclinedFailed        Code = "REOPEN_DECLINED_FAILED"
	ReopenDeclinedPendingReview Code = "REOPEN_DECLINED_PENDING_REVIEW"
	ReopenReworkFailed          Code = "REOPEN_REWORK_FAILED"
	ReopenFailedNoRework        Code = "REOPEN_FAILED_NO_REWORK"
	FailedExecution             Code = "FAILED_EXECUTION"
	ReopenVerifiedWithRework    Code = "REOPEN_VERIFIED_WITH_REWORK"
	ReopenOriginalAccepted      Code = "REOPEN_ORIGINAL_ACCEPTED"
	Successful                  Code = "SUCCESSFUL"
	Active                      Code = "ACTIVE"
	ReopenPending               Code = "REOPEN_PENDING"
	Withdrawn                   Code = "WITHDRAWN"
	Deleted                     Code = "DELETED"
	Unknown                     Code = "UNKNOWN"
)

// Severity is a display hint.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
	SeverityInfo    Severity = "info"
	SeverityNeutral Severity = "neutral"
)

// Phase groups codes by where the task stands.
type Phase string

const (
	PhaseActive   Phase = "active"
	PhaseReview   Phase = "review"
	PhaseDeclined Phase = "declined"
	PhaseClosed   Phase = "closed"
)

// Resolution is the display-facing outcome of a task.
type Resolution struct {
	Code     Code     `json:"code"`
	Label    string   `json:"label"`
	Severity Severity `json:"severity"`
	Phase    Phase    `json:"phase"`
	IsFinal  bool     `json:"is_final"`
}

type meta struct {
	severity Severity
	phase    Phase
	final    bool
}

var codes = map[Code]meta{
	DeclinedAssignment:          {SeverityWarning, PhaseDeclined, true},
	ReopenDeclinedVerified:      {SeveritySuccess, PhaseClosed, true},
	ReopenDeclinedFailed:        {SeverityDanger, PhaseClosed, true},
	ReopenDeclinedPendingReview: {SeverityWarning, PhaseReview, false},
	ReopenReworkFailed:          {SeverityDanger, PhaseClosed, true},
	ReopenFailedNoRework:        {SeverityDanger, PhaseClosed, true},
	FailedExecution:             {SeverityDanger, PhaseClosed, true},
	ReopenVerifiedWithRework:    {SeveritySuccess, PhaseClosed, true},
	ReopenOriginalAccepted:      {SeveritySuccess, PhaseClosed, true},
	Successful:                  {SeveritySuccess, PhaseClosed, true},
	Active:                      {SeverityInfo, PhaseActive, false},
	ReopenPending:               {SeverityWarning, PhaseReview, false},
	Withdrawn:                   {SeverityNeutral, PhaseClosed, true},
	Deleted:                     {SeverityNeutral, PhaseClosed, true},
	Unknown:                     {SeverityNeutral, PhaseActive, false},
}

var titleCaser = cases.Title(language.English)

// Of builds the Resolution for a code.
func Of(c Code) Resolution {
	m, ok := codes[c]
	if !ok {
		c, m = Unknown, codes[Unknown]
	}
	return Resolution{
		Code:     c,
		Label:    titleCaser.String(strings.ReplaceAll(strings.ToLower(string(c)), "_", " ")),
		Severity: m.severity,
		Phase:    m.phase,
		IsFinal:  m.final,
	}
}

// Resolve evaluates the rules in order; the first match wins.
func Resolve(status task.Status, timeline []task.ActivityEntry) Resolution {
	return Of(classify(status, timeline))
}

func classify(status task.Status, timeline []task.ActivityEntry) Code {
	lastReopen := task.LastIndexOf(timeline, task.ActionReopened)
	reopened := lastReopen >= 0

	if status == task.StatusDeclinedByEmployee && !reopened && task.HasAction(timeline, task.ActionDeclined) {
		return DeclinedAssignment
	}

	// The admin's answer to a reopen decline is the first verdict recorded after it.
	if lastDecline := task.LastIndexOf(timeline, task.ActionReopenDeclined); lastDecline > lastReopen && reopened {
		verdict := task.FirstAfter(timeline, lastDecline, task.ActionVerified, task.ActionFailed)
		switch {
		case verdict < 0:
			return ReopenDeclinedPendingReview
		case timeline[verdict].Action == task.ActionVerified:
			return ReopenDeclinedVerified
		default:
			return ReopenDeclinedFailed
		}
	}

	reworked := reopened && task.FirstAfter(timeline, lastReopen, task.ActionCompleted) >= 0
	switch {
	case status == task.StatusFailed && reopened:
		if reworked {
			return ReopenReworkFailed
		}
		return ReopenFailedNoRework
	case status == task.StatusFailed:
		return FailedExecution
	case status == task.StatusVerified && reopened:
		if reworked {
			return ReopenVerifiedWithRework
		}
		return ReopenOriginalAccepted
	case status == task.StatusVerified:
		return Successful
	case status.IsActive():
		return Active
	case status == task.StatusReopened:
		return ReopenPending
	case status == task.StatusWithdrawn:
		return Withdrawn
	case status == task.StatusDeleted:
		return Deleted
	}
	return Unknown
}
