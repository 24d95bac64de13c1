package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/gym-autobook/internal/config"
	"github.com/example/gym-autobook/internal/db"
	"github.com/example/gym-autobook/internal/migrate"
	"github.com/example/gym-autobook/internal/rules"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage auto-booking rules",
	}
	cmd.AddCommand(newRuleAddCmd())
	cmd.AddCommand(newRuleListCmd())
	cmd.AddCommand(newRuleCancelCmd())
	return cmd
}

func openRuleStore(ctx context.Context) (*db.DB, *rules.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, rules.NewStore(d), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown day of week %q", s)
}

func newRuleAddCmd() *cobra.Command {
	var owner, class, day, at, instructor string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring booking rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			weekday, err := parseWeekday(day)
			if err != nil {
				return err
			}

			ctx := context.Background()
			d, store, err := openRuleStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			r, err := store.Create(ctx, rules.Rule{
				Owner:      owner,
				ClassName:  class,
				DayOfWeek:  weekday,
				TimeOfDay:  at,
				Instructor: instructor,
				Status:     rules.StatusActive,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created rule %s: %s %s %s for %s\n",
				r.ID, r.ClassName, r.DayOfWeek, r.TimeOfDay, r.Owner)
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "owning username")
	c.Flags().StringVar(&class, "class", "", "class name as shown on the timetable")
	c.Flags().StringVar(&day, "day", "", "day of week, e.g. Monday")
	c.Flags().StringVar(&at, "time", "", "class start time HH:MM")
	c.Flags().StringVar(&instructor, "instructor", "", "instructor filter (optional)")
	_ = c.MarkFlagRequired("owner")
	_ = c.MarkFlagRequired("class")
	_ = c.MarkFlagRequired("day")
	_ = c.MarkFlagRequired("time")
	return c
}

func newRuleListCmd() *cobra.Command {
	var owner string

	c := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, store, err := openRuleStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			var rs []rules.Rule
			if owner != "" {
				rs, err = store.ListForOwner(ctx, owner)
			} else {
				rs, err = store.ListAll(ctx)
			}
			if err != nil {
				return err
			}
			for _, r := range rs {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s %s\t%s\t%s\n",
					r.ID, r.Owner, r.DayOfWeek, r.TimeOfDay, r.ClassName, r.Status)
			}
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return c
}

func newRuleCancelCmd() *cobra.Command {
	var owner string

	c := &cobra.Command{
		Use:   "cancel <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}

			ctx := context.Background()
			d, store, err := openRuleStore(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := store.Delete(ctx, id, owner); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "deleted rule %s\n", id)
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "owning username")
	_ = c.MarkFlagRequired("owner")
	return c
}
