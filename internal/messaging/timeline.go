package messaging

import (
	"time"

	"nearbuy-chat/internal/models"
)

// DayGroup is a run of messages sent on the same calendar day.
type DayGroup struct {
	Label    string
	Day      time.Time
	Messages []models.Message
}

// GroupByDay splits an ordered message list into day groups labelled
// "Today", "Yesterday" or the date, in now's location.
func GroupByDay(messages []models.Message, now time.Time) []DayGroup {
	loc := now.Location()
	today := startOfDay(now)
	yesterday := today.AddDate(0, 0, -1)

	var groups []DayGroup
	for _, m := range messages {
		day := startOfDay(m.CreatedAt.In(loc))
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}

		label := day.Format("Jan 2, 2006")
		switch {
		case day.Equal(today):
			label = "Today"
		case day.Equal(yesterday):
			label = "Yesterday"
		}
		groups = append(groups, DayGroup{Label: label, Day: day, Messages: []models.Message{m}})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
