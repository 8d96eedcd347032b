package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/tasknest/tasknest/internal/orchestrator"
	"github.com/tasknest/tasknest/internal/schema"
)

// runAddForm asks for the fields of a new task, starting from d.
func runAddForm(d *orchestrator.Draft) error {
	typ := string(d.Type)
	if typ == "" {
		typ = string(schema.TypeTodo)
	}
	tags := strings.Join(d.Tags, ", ")
	var due string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(&d.Title).
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" {
						return errors.New("title is required")
					}
					if len(s) > schema.MaxTitleLength {
						return fmt.Errorf("title must be %d characters or less", schema.MaxTitleLength)
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("List").
				Options(
					huh.NewOption("To-do", string(schema.TypeTodo)),
					huh.NewOption("Shopping", string(schema.TypeShopping)),
				).
				Value(&typ),
			huh.NewConfirm().
				Title("Priority?").
				Value(&d.IsPriority),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Tags").
				Description("Comma separated").
				Value(&tags),
			huh.NewInput().
				Title("Due").
				Placeholder("tomorrow 9am").
				Value(&due).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					_, err := parseDue(s, time.Now())
					return err
				}),
			huh.NewText().
				Title("Details").
				Value(&d.Details),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("cancelled")
		}
		return fmt.Errorf("failed to run form: %w", err)
	}

	d.Type = schema.TaskType(typ)
	d.Tags = nil
	for _, tag := range strings.Split(tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			d.Tags = append(d.Tags, tag)
		}
	}
	if strings.TrimSpace(due) != "" {
		parsed, err := parseDue(due, time.Now())
		if err != nil {
			return err
		}
		d.DueDate = parsed
	}
	return nil
}
