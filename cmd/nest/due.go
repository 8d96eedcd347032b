package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = newDueParser()

func newDueParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDue accepts an absolute date or a phrase such as "tomorrow 9am" or
// "next friday". A date without a time means the end of that day.
func parseDue(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("due date is empty")
	}

	for _, layout := range dueLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			t = endOfDay(t)
		}
		return &t, nil
	}

	r, err := dueParser.Parse(s, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("could not understand due date %q", s)
	}
	t := r.Time
	return &t, nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 0, 0, t.Location())
}
