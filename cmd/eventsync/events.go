package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	eventsync "github.com/offgrid-labs/eventsync"
)

var createFlags struct {
	title       string
	description string
	date        string
	location    string
	capacity    int
	image       string
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsCreateCmd)
	eventsCmd.AddCommand(eventsDeleteCmd)
	eventsCmd.AddCommand(eventsRegisterCmd)
	eventsCmd.AddCommand(eventsImportCmd)
	rootCmd.AddCommand(usersCmd)

	eventsCreateCmd.Flags().StringVar(&createFlags.title, "title", "", "event title (required)")
	eventsCreateCmd.Flags().StringVar(&createFlags.description, "description", "", "event description")
	eventsCreateCmd.Flags().StringVar(&createFlags.date, "date", "", "event date, RFC3339 or YYYY-MM-DD (required)")
	eventsCreateCmd.Flags().StringVar(&createFlags.location, "location", "", "event location")
	eventsCreateCmd.Flags().IntVar(&createFlags.capacity, "capacity", 0, "attendee capacity")
	eventsCreateCmd.Flags().StringVar(&createFlags.image, "image", "", "path to an image attachment")
	_ = eventsCreateCmd.MarkFlagRequired("title")
	_ = eventsCreateCmd.MarkFlagRequired("date")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Work with events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events (from the server when online, the local cache otherwise)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := svc.AllEvents(cmd.Context())
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, ev := range events {
			marker := ""
			if eventsync.IsLocalID(ev.ID) {
				marker = " (not yet synced)"
			}
			fmt.Printf("%s  %s  %s%s\n", ev.ID, ev.Date.Format("2006-01-02 15:04"), ev.Title, marker)
		}
		return nil
	},
}

var eventsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an event",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDate(createFlags.date)
		if err != nil {
			return err
		}

		payload := eventsync.EventPayload{
			Title:       createFlags.title,
			Description: createFlags.description,
			Date:        date,
			Location:    createFlags.location,
			Capacity:    createFlags.capacity,
		}
		if createFlags.image != "" {
			data, err := os.ReadFile(createFlags.image)
			if err != nil {
				return fmt.Errorf("cannot read image: %w", err)
			}
			payload.Attachment = &eventsync.Attachment{
				Name:        createFlags.image,
				ContentType: "application/octet-stream",
				Data:        data,
			}
		}

		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		ev, err := svc.CreateEvent(cmd.Context(), payload)
		if err != nil {
			return err
		}
		if eventsync.IsLocalID(ev.ID) {
			fmt.Printf("Created %s locally; it will sync when back online.\n", ev.ID)
		} else {
			fmt.Printf("Created %s\n", ev.ID)
		}
		return nil
	},
}

var eventsDeleteCmd = &cobra.Command{
	Use:   "delete <event-id>",
	Short: "Delete an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		if err := svc.DeleteEvent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var eventsRegisterCmd = &cobra.Command{
	Use:   "register <event-id> <user-id>",
	Short: "Register a user for an event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := svc.RegisterForEvent(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if res.Pending {
			fmt.Println(res.Message)
		} else {
			fmt.Printf("Registered for %s\n", res.Event.Title)
		}
		return nil
	},
}

var eventsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import events from a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("cannot open CSV file: %w", err)
		}
		defer f.Close()

		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := svc.ImportEventsCSV(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d event(s).\n", res.Imported)
		for _, rowErr := range res.Errors {
			fmt.Printf("  line %d: %s\n", rowErr.Line, rowErr.Err)
		}
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users (from the server when online, the local cache otherwise)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		users, err := svc.AllUsers(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%s  %s <%s>\n", u.ID, u.Name, u.Email)
		}
		return nil
	},
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q (use RFC3339 or YYYY-MM-DD)", raw)
}
