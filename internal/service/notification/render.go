package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/sender"
)

const reminderHeading = "Deadline Reminder"

// Render builds the reminder text for a deadline. The same text is sent on
// every channel; the first line doubles as the email subject.
func Render(d *model.Deadline, offset model.ReminderOffset, now time.Time) string {
	remaining := d.DueDate.Sub(now)

	var marker, due string
	switch {
	case remaining < 0:
		marker, due = "URGENT", "OVERDUE"
	case remaining >= 24*time.Hour:
		due = "in " + plural(int(remaining/(24*time.Hour)), "day")
	case remaining > time.Hour:
		marker, due = "URGENT", "in "+plural(int(remaining/time.Hour), "hour")
	default:
		minutes := int(remaining / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		marker, due = "CRITICAL", "in "+plural(minutes, "minute")
	}
	if marker == "" {
		if lead, ok := offset.Duration(); ok && lead <= time.Hour {
			marker = "URGENT"
		}
	}

	heading := reminderHeading
	if marker != "" {
		heading = marker + " " + heading
	}

	lines := []string{
		heading,
		"",
		d.Title,
		"Due: " + due,
		d.DueDate.UTC().Format("2006-01-02 15:04"),
	}
	if d.UpstreamURL != "" {
		lines = append(lines, d.UpstreamURL)
	}
	return strings.Join(lines, "\n")
}

const (
	summaryLimit  = 10
	upcomingLimit = 5
	overdueLimit  = 5
)

// RenderDailySummary lists a user's deadlines for the coming days, split
// into those due before the next UTC midnight and later ones.
func RenderDailySummary(deadlines []*model.Deadline, now time.Time) string {
	if len(deadlines) == 0 {
		return "Daily Summary\n\nNo upcoming deadlines today. Great job staying on top of things!"
	}

	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	var today, upcoming []string
	for i, d := range deadlines {
		if i == summaryLimit {
			break
		}
		due := d.DueDate.UTC()
		if due.Before(midnight) {
			today = append(today, fmt.Sprintf("• %s (%s)", d.Title, due.Format("15:04")))
			continue
		}
		if len(upcoming) < upcomingLimit {
			days := int(due.Sub(midnight)/(24*time.Hour)) + 1
			upcoming = append(upcoming, fmt.Sprintf("• %s (%s)", d.Title, plural(days, "day")))
		}
	}

	lines := []string{"Daily Summary - " + plural(len(deadlines), "deadline")}
	if len(today) > 0 {
		lines = append(lines, "", "TODAY:")
		lines = append(lines, today...)
	}
	if len(upcoming) > 0 {
		lines = append(lines, "", "UPCOMING:")
		lines = append(lines, upcoming...)
	}
	return strings.Join(lines, "\n")
}

// RenderOverdueAlert names up to five overdue deadlines and counts the rest.
func RenderOverdueAlert(deadlines []*model.Deadline, now time.Time) string {
	lines := []string{"OVERDUE ALERT - " + plural(len(deadlines), "deadline"), ""}
	for i, d := range deadlines {
		if i == overdueLimit {
			lines = append(lines, fmt.Sprintf("... and %d more", len(deadlines)-overdueLimit))
			break
		}
		days := int(now.Sub(d.DueDate) / (24 * time.Hour))
		lines = append(lines, fmt.Sprintf("• %s (%s overdue)", d.Title, plural(days, "day")))
	}
	lines = append(lines, "", "Please review and update these deadlines.")
	return strings.Join(lines, "\n")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// messageFromBody turns a stored reminder body back into a sender message.
func messageFromBody(body string) sender.Message {
	lines := strings.Split(body, "\n")
	msg := sender.Message{Subject: lines[0], Body: body}
	if last := lines[len(lines)-1]; strings.HasPrefix(last, "https://") || strings.HasPrefix(last, "http://") {
		msg.URL = last
	}
	return msg
}
