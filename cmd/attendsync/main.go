// Command attendsync is the offline-first sync agent run on staff devices.
// It keeps a local copy of the school records, queues writes while the
// records API is unreachable and replays them when it comes back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/attendance"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/config"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var app *App

	cmd := &cobra.Command{
		Use:   "attendsync",
		Short: "Offline-first attendance sync agent",
		Long: `attendsync keeps a local copy of students, attendance, leaves and
holidays, writes through to the records API when it is reachable and
queues writes for replay when it is not.

Configuration comes from the environment (and a .env file when present).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger.Configure(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stderr})
			a, err := NewApp(cfg)
			if err != nil {
				return err
			}
			app = a
			app.Connect(cmd.Context())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app == nil {
				return nil
			}
			return app.Close()
		},
	}

	get := func() *App { return app }
	cmd.AddCommand(
		runCmd(get),
		syncCmd(get),
		queueCmd(get),
		markCmd(get),
		leaveCmd(get),
		holidayCmd(get),
		sectionCmd(get),
		auditCmd(get),
		notificationsCmd(get),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Probe the API and flush the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			a.log.Info().Dur("interval", a.cfg.SyncInterval).Str("metrics", a.cfg.MetricsAddr).Msg("sync agent started")
			if err := a.storage.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.log.Info().Msg("sync agent stopped")
			return nil
		},
	}
}

func syncCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay every queued write once",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app().storage.SyncWithDatabase(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func queueCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := app().storage.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
}

// classFlags binds the flags that name a class section.
type classFlags struct {
	course   string
	year     int
	division string
	section  string
}

func (f *classFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.course, "course", "", "Course type (pu, post-pu)")
	cmd.Flags().IntVar(&f.year, "year", 0, "Year (1-2 for PU, 3-7 for post-PU)")
	cmd.Flags().StringVar(&f.division, "division", "", "PU division (commerce, science)")
	cmd.Flags().StringVar(&f.section, "section", "", "Section letter")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("section")
}

func (f *classFlags) class() model.ClassRef {
	return model.ClassRef{
		CourseType: model.CourseType(f.course),
		Year:       f.year,
		Division:   model.Division(f.division),
		Section:    strings.ToUpper(f.section),
	}
}

// parseIDs parses a comma separated list of student ids.
func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid student id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func markCmd(app func() *App) *cobra.Command {
	var (
		class          classFlags
		date           string
		period         int
		present        string
		absent         string
		confirm        bool
		preserveManual bool
		manual         bool
	)
	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Mark attendance for one period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			req := attendance.MarkRequest{
				Class:                 class.class(),
				Date:                  date,
				Period:                period,
				MarkedBy:              a.cfg.StaffID,
				Confirmed:             confirm,
				PreserveManualEntries: preserveManual,
			}
			for _, group := range []struct {
				ids    string
				status model.Status
			}{{present, model.StatusPresent}, {absent, model.StatusAbsent}} {
				ids, err := parseIDs(group.ids)
				if err != nil {
					return err
				}
				for _, id := range ids {
					req.Records = append(req.Records, model.AttendanceRecord{StudentID: id, Status: group.status, ManualEntry: manual})
				}
			}
			res, err := a.workflow.MarkAttendance(cmd.Context(), req)
			if err != nil {
				_ = printJSON(cmd.ErrOrStderr(), res.Validation)
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	class.bind(cmd)
	cmd.Flags().StringVar(&date, "date", model.FormatDate(time.Now()), "Date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&period, "period", 0, "Period number")
	cmd.Flags().StringVar(&present, "present", "", "Comma separated ids of present students")
	cmd.Flags().StringVar(&absent, "absent", "", "Comma separated ids of absent students")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Replace attendance already marked for this period")
	cmd.Flags().BoolVar(&preserveManual, "preserve-manual", false, "Keep manual corrections when replacing")
	cmd.Flags().BoolVar(&manual, "manual", false, "Record these marks as manual corrections")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func leaveCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{Use: "leave", Short: "Approve or cancel student leaves"}

	var (
		student  int64
		from, to string
		reason   string
	)
	approve := &cobra.Command{
		Use:   "approve",
		Short: "Approve a leave and apply it to attendance already marked",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			res, err := a.workflow.ApproveLeave(cmd.Context(), model.LeaveRecord{
				StudentID: student,
				FromDate:  from,
				ToDate:    to,
				Reason:    reason,
			}, a.cfg.StaffID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	approve.Flags().Int64Var(&student, "student", 0, "Student id")
	approve.Flags().StringVar(&from, "from", "", "First day of the leave (YYYY-MM-DD)")
	approve.Flags().StringVar(&to, "to", "", "Last day of the leave (YYYY-MM-DD)")
	approve.Flags().StringVar(&reason, "reason", "", "Reason")
	for _, f := range []string{"student", "from", "to"} {
		_ = approve.MarkFlagRequired(f)
	}

	var (
		id  int64
		ref string
	)
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a leave by id or client reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 && ref == "" {
				return errors.New("one of --id or --ref is required")
			}
			a := app()
			l, err := a.workflow.CancelLeave(cmd.Context(), id, ref, a.cfg.StaffID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), l)
		},
	}
	cancel.Flags().Int64Var(&id, "id", 0, "Leave id")
	cancel.Flags().StringVar(&ref, "ref", "", "Client reference of a leave not yet synced")

	cmd.AddCommand(approve, cancel)
	return cmd
}

func holidayCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{Use: "holiday", Short: "Check or declare holidays"}

	var (
		date   string
		course string
	)
	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether attendance may be marked on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			res := app().workflow.HolidayCheck(cmd.Context(), date, model.CourseType(course))
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	check.Flags().StringVar(&date, "date", model.FormatDate(time.Now()), "Date (YYYY-MM-DD)")
	check.Flags().StringVar(&course, "course", "", "Only consider holidays affecting this course")

	var (
		name, kind, reason string
		courses            []string
	)
	declare := &cobra.Command{
		Use:   "declare",
		Short: "Declare a holiday",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			h := model.Holiday{Date: date, Name: name, Type: model.HolidayType(kind), Reason: reason}
			for _, c := range courses {
				h.AffectedCourses = append(h.AffectedCourses, model.CourseType(c))
			}
			res, err := a.workflow.DeclareHoliday(cmd.Context(), h, a.cfg.StaffID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	declare.Flags().StringVar(&date, "date", "", "Date (YYYY-MM-DD)")
	declare.Flags().StringVar(&name, "name", "", "Holiday name")
	declare.Flags().StringVar(&kind, "type", "", "academic, emergency or regular (default emergency)")
	declare.Flags().StringVar(&reason, "reason", "", "Reason")
	declare.Flags().StringSliceVar(&courses, "courses", nil, "Affected courses (default all)")
	_ = declare.MarkFlagRequired("date")
	_ = declare.MarkFlagRequired("name")

	cmd.AddCommand(check, declare)
	return cmd
}

func sectionCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{Use: "section", Short: "Inspect or archive a class section"}

	var checkClass classFlags
	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether a section can be deleted",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app().sync.ValidateSectionDeletion(cmd.Context(), checkClass.class())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	checkClass.bind(check)

	var archiveClass classFlags
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Snapshot a section's roster and attendance, then clear the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			res, err := a.sync.ArchiveSectionData(cmd.Context(), archiveClass.class(), a.cfg.StaffID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	archiveClass.bind(archive)

	cmd.AddCommand(check, archive)
	return cmd
}

func auditCmd(app func() *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit trail, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app().trail.Entries(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Show at most this many entries (0 for all)")
	return cmd
}

func notificationsCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "Print leave, holiday and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), app().workflow.Notifications(cmd.Context()))
		},
	}
}
