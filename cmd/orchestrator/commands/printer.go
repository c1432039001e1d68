package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/msageha/orchestrator/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTasks(w io.Writer, tasks []model.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tATTEMPTS\tDEPENDS ON\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.Attempts, t.MaxAttempts, orDash(strings.Join(t.DependsOn, ",")), t.Title)
	}
	return tw.Flush()
}

func printIssues(w io.Writer, issues []model.Issue) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tRETRY\tRETRIES\tBLOCKING\tTITLE")
	for _, is := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%t\t%s\n",
			is.ID, is.Status, orDash(is.SourceTaskID), orDash(is.RetryTaskID), is.RetryCount, is.MaxRetries, is.Blocking, is.Title)
	}
	return tw.Flush()
}

func printEvidence(w io.Writer, ev model.Evidence) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tKIND\tRESULT\tEXIT\tDETAIL")
	for _, c := range ev.Checks {
		result := "pass"
		if !c.Passed {
			result = "FAIL"
		}
		detail := c.Error
		if len(c.Findings) > 0 {
			detail = strings.Join(c.Findings, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", c.Name, c.Kind, result, c.ExitCode, orDash(detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, m := range ev.Mismatches {
		fmt.Fprintf(w, "mismatch: %s\n", m)
	}
	verdict := "PASSED"
	if !ev.Passed {
		verdict = "FAILED"
	}
	_, err := fmt.Fprintf(w, "\nVerification %s (evidence %s)\n", verdict, ev.ID)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
