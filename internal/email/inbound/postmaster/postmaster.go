// Package postmaster turns fetched mail into ticket messages.
package postmaster

// Action is what happened to one fetched message.
type Action string

const (
	ActionNewTicket Action = "new_ticket"
	ActionFollowUp  Action = "follow_up"
	ActionDuplicate Action = "duplicate"
	ActionSkipped   Action = "skipped" // malformed, left for the next run
	ActionError     Action = "error"
)

// Handled reports whether the message counts as processed for mark-seen.
func (a Action) Handled() bool {
	switch a {
	case ActionNewTicket, ActionFollowUp, ActionDuplicate:
		return true
	default:
		return false
	}
}

// Result tracks what happened to a message.
type Result struct {
	UID         string
	MessageID   string
	TicketID    string
	MessageDBID string
	Action      Action
	Err         error
}

// Summary counts results by action.
type Summary map[Action]int

// Summarize folds results into a Summary.
func Summarize(results []Result) Summary {
	s := make(Summary, len(results))
	for _, r := range results {
		s[r.Action]++
	}
	return s
}
