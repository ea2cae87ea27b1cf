package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/pidfile"
	"github.com/teranos/postpulse/pulse/jobs"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/sym"
)

// JobsCmd manages scheduled posts
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled posts",
	Long: `Manage scheduled posts in the jobs directory.

Editing commands (add, rm, cancel) refuse to run while a Pulse daemon
owns the directory; listing commands always work.

Examples:
  postpulse jobs add --account brand --at +2h "Hello"
  postpulse jobs add --account brand --at "2026-03-14 09:00" --priority urgent "Launch"
  postpulse jobs ls --status failed
  postpulse jobs show 5f1c2b7e`,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Schedule a post",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAdd,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs in execution order",
	RunE:  runJobsLs,
}

var jobsReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List jobs that would run now",
	RunE:  runJobsReady,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job, keeping it for the record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	jobsAddCmd.Flags().String("account", "", "Account to post as (required)")
	jobsAddCmd.Flags().String("at", "", "When to post: RFC3339, \"2006-01-02 15:04\" in store.timezone, or +duration (required)")
	jobsAddCmd.Flags().String("priority", "normal", "low, normal, high or urgent (or 1-4)")
	jobsAddCmd.Flags().Int("max-retries", jobs.DefaultMaxRetries, "Retries after the first attempt")
	_ = jobsAddCmd.MarkFlagRequired("account")
	_ = jobsAddCmd.MarkFlagRequired("at")

	jobsLsCmd.Flags().String("status", "", "Only jobs in this status")
	jobsLsCmd.Flags().String("account", "", "Only jobs for this account")
	jobsLsCmd.Flags().Bool("json", false, "Output as JSON")

	jobsCancelCmd.Flags().String("reason", "", "Why the job is cancelled")

	jobsShowCmd.Flags().Int("history", 20, "Number of attempts to show")

	JobsCmd.AddCommand(jobsAddCmd, jobsLsCmd, jobsReadyCmd, jobsRmCmd, jobsCancelCmd, jobsShowCmd)
}

// parseWhen accepts RFC3339, a local "2006-01-02 15:04" or "+90m" relative to now
func parseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, errors.NewInvalidRequestError("bad relative time %q: %v", s, err)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.WithHint(
		errors.NewInvalidRequestError("cannot parse time %q", s),
		`use RFC3339 (2026-03-14T09:00:00Z), "2026-03-14 09:00" or +2h`)
}

func editableManager() (*am.Config, *jobs.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := pidfile.EnsureFree(cfg.Store.JobsDir); err != nil {
		return nil, nil, err
	}
	m, err := openManager(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	cfg, m, err := editableManager()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	account, _ := cmd.Flags().GetString("account")
	at, _ := cmd.Flags().GetString("at")
	prio, _ := cmd.Flags().GetString("priority")

	when, err := parseWhen(at, time.Now(), loc)
	if err != nil {
		return err
	}
	priority, err := jobs.ParsePriority(prio)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}

	n := jobs.NewJob{AccountID: account, Content: args[0], ScheduledTime: when, Priority: priority}
	if cmd.Flags().Changed("max-retries") {
		retries, _ := cmd.Flags().GetInt("max-retries")
		n.MaxRetries = &retries
	}

	job, err := m.Add(n)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Scheduled %s for %s at %s (%s)\n",
		job.ShortID(), job.AccountID, job.ScheduledTime.In(loc).Format("2006-01-02 15:04 MST"), job.Priority)
	fmt.Println(job.ID)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}

	status, _ := cmd.Flags().GetString("status")
	account, _ := cmd.Flags().GetString("account")
	asJSON, _ := cmd.Flags().GetBool("json")
	if status != "" && !jobs.IsValidStatus(status) {
		return errors.NewInvalidRequestError("unknown status %q", status)
	}

	list := m.List(jobs.Filter{AccountID: account, Status: jobs.Status(status)})
	if asJSON {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode jobs")
		}
		fmt.Println(string(data))
		return nil
	}
	return renderJobs(cfg, list)
}

func runJobsReady(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	ready := m.ReadyJobs(time.Now())
	if len(ready) == 0 {
		pterm.Info.Println("No jobs are ready")
		return nil
	}
	return renderJobs(cfg, ready)
}

func renderJobs(cfg *am.Config, list []jobs.Job) error {
	if len(list) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	data := pterm.TableData{{"ID", "Account", "Status", "Priority", "Scheduled", "Tries", "Message"}}
	for _, j := range list {
		data = append(data, []string{
			j.ShortID(),
			j.AccountID,
			sym.ForStatus(string(j.Status)) + " " + string(j.Status),
			j.Priority.String(),
			j.ScheduledTime.In(loc).Format("2006-01-02 15:04"),
			strconv.Itoa(j.RetryCount) + "/" + strconv.Itoa(j.MaxRetries),
			truncate(j.StatusMessage, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	_, m, err := editableManager()
	if err != nil {
		return err
	}
	id, err := resolveID(m, args[0])
	if err != nil {
		return err
	}
	if err := m.Remove(id); err != nil {
		return err
	}
	pterm.Success.Printf("Removed %s\n", id)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	_, m, err := editableManager()
	if err != nil {
		return err
	}
	id, err := resolveID(m, args[0])
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	job, err := m.Cancel(id, reason)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s %s\n", job.ShortID(), job.StatusMessage)
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	id, err := resolveID(m, args[0])
	if err != nil {
		return err
	}
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println(job.ID)
	rows := pterm.TableData{
		{"Account", job.AccountID},
		{"Status", sym.ForStatus(string(job.Status)) + " " + string(job.Status)},
		{"Message", job.StatusMessage},
		{"Priority", job.Priority.String()},
		{"Scheduled", job.ScheduledTime.In(loc).Format(time.RFC3339)},
		{"Retries", fmt.Sprintf("%d of %d", job.RetryCount, job.MaxRetries)},
		{"Content", job.Content},
	}
	if job.ThreadID != "" {
		rows = append(rows, []string{"Thread", job.ThreadID})
	}
	if job.Error != nil {
		rows = append(rows, []string{"Last error", fmt.Sprintf("%s at %s: %s", job.Error.Code, job.Error.Stage, job.Error.Message)})
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("history")
	database, err := openDatabase(cfg)
	if err != nil {
		pterm.Warning.Printf("No attempt history: %v\n", err)
		return nil
	}
	defer database.Close()

	execs, err := schedule.NewExecutionStore(database).ListExecutions(job.ID, limit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Println("No attempts recorded")
		return nil
	}
	hist := pterm.TableData{{"Attempt", "Outcome", "Started", "Took", "Detail"}}
	for _, e := range execs {
		hist = append(hist, []string{
			strconv.Itoa(e.Attempt),
			e.Status,
			e.StartedAt,
			durationOf(e),
			executionDetail(e),
		})
	}
	pterm.Println()
	return pterm.DefaultTable.WithHasHeader().WithData(hist).Render()
}

func durationOf(e *schedule.Execution) string {
	if e.DurationMs == nil {
		return "-"
	}
	return (time.Duration(*e.DurationMs) * time.Millisecond).String()
}

func executionDetail(e *schedule.Execution) string {
	switch {
	case e.ThreadID != nil:
		return "thread " + *e.ThreadID
	case e.ErrorCode != nil:
		detail := *e.ErrorCode
		if e.ErrorMessage != nil {
			detail += ": " + truncate(*e.ErrorMessage, 60)
		}
		return detail
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
