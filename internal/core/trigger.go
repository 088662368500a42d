package core

import (
	"time"

	"github.com/robfig/cron/v3"
)

// EventType identifies the kind of event delivered to a pipeline.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventSchedule    EventType = "schedule"
	EventManual      EventType = "manual"
)

// Event is the descriptor handed to trigger evaluation. Branch is the
// pushed branch or the pull request's target branch; Time is the tick
// time for schedule events and is ignored otherwise.
type Event struct {
	Type   EventType `json:"type"`
	Branch string    `json:"branch,omitempty"`
	Time   time.Time `json:"time,omitempty"`
}

// ShouldRun decides whether the pipeline fires for the event. It is
// pure and total over the declared trigger set: no side effects, and
// every event type yields a decision. An unknown event type never
// fires.
func (p *Pipeline) ShouldRun(ev Event) bool {
	switch ev.Type {
	case EventPush:
		return p.On.Push != nil && containsBranch(p.On.Push.Branches, ev.Branch)
	case EventPullRequest:
		return p.On.PullRequest != nil && containsBranch(p.On.PullRequest.Branches, ev.Branch)
	case EventSchedule:
		return p.scheduleMatches(ev.Time)
	case EventManual:
		return p.On.Manual
	}
	return false
}

// scheduleMatches reports whether the tick time lands on the declared
// cron schedule, at minute granularity. With no schedule declared a
// schedule event never fires.
func (p *Pipeline) scheduleMatches(tick time.Time) bool {
	if p.On.Schedule == "" {
		return false
	}
	schedule, err := cron.ParseStandard(p.On.Schedule)
	if err != nil {
		// Validate rejects malformed expressions at load time.
		return false
	}
	minute := tick.Truncate(time.Minute)
	return schedule.Next(minute.Add(-time.Minute)).Equal(minute)
}

func containsBranch(branches []string, branch string) bool {
	for _, b := range branches {
		if b == branch {
			return true
		}
	}
	return false
}
