package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/overhuman/abengine/internal/engine"
	"github.com/overhuman/abengine/internal/experiment"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	return t
}

func renderExperiments(w io.Writer, exps []*experiment.Experiment, now time.Time) {
	t := newTable(w, "ID", "Name", "Type", "Status", "Variants", "Days")
	for _, exp := range exps {
		days := "-"
		if exp.Status == experiment.StatusActive || exp.Status == experiment.StatusPaused {
			days = strconv.Itoa(exp.DaysRunning(now))
		}
		t.Append([]string{
			exp.ID,
			exp.Name,
			string(exp.Type),
			string(exp.Status),
			strconv.Itoa(len(exp.Variants)),
			days,
		})
	}
	t.Render()
}

func renderReport(w io.Writer, r *experiment.Report) {
	exp := r.Experiment
	fmt.Fprintf(w, "%s  %s  [%s]\n\n", exp.ID, exp.Name, exp.Status)

	if len(r.Results) == 0 {
		fmt.Fprintln(w, "No results yet.")
	} else {
		t := newTable(w, "Variant", "Metric", "N", "Value", "CI", "SE")
		for _, res := range r.Results {
			t.Append([]string{
				res.VariantID,
				res.MetricID,
				strconv.Itoa(res.SampleSize),
				fmt.Sprintf("%.4f", res.Value),
				fmt.Sprintf("[%.4f, %.4f]", res.ConfidenceInterval.Lower, res.ConfidenceInterval.Upper),
				fmt.Sprintf("%.4f", res.StandardError),
			})
		}
		t.Render()
	}

	if len(r.Comparisons) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, "Control", "Treatment", "Metric", "Lift %", "p-value", "Significance", "Winner")
		for _, c := range r.Comparisons {
			winner := c.Winner
			if winner == "" {
				winner = "-"
			}
			t.Append([]string{
				c.VariantAID,
				c.VariantBID,
				c.MetricID,
				fmt.Sprintf("%+.2f", c.Lift),
				fmt.Sprintf("%.4f", c.PValue),
				string(c.Significance),
				winner,
			})
		}
		t.Render()
	}

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec.Message)
		}
	}
}

func renderEvents(w io.Writer, events []experiment.Event) {
	t := newTable(w, "Time", "User", "Variant", "Type", "Data")
	for _, ev := range events {
		t.Append([]string{
			ev.Timestamp.Format(time.RFC3339),
			ev.UserID,
			ev.VariantID,
			ev.Type,
			string(ev.Data),
		})
	}
	t.Render()
}

func renderCheck(w io.Writer, r engine.CheckResult) {
	switch {
	case r.Err != nil:
		fmt.Fprintf(w, "%s: error: %v\n", r.ExperimentID, r.Err)
	case r.Stopped:
		fmt.Fprintf(w, "%s: stopped (%s)\n", r.ExperimentID, r.Reason)
	default:
		fmt.Fprintf(w, "%s: healthy\n", r.ExperimentID)
	}
}

// renderTransition prints the new status, or only the id when the
// experiment could not be reloaded.
func renderTransition(w io.Writer, id string, exp *experiment.Experiment) {
	if exp == nil {
		fmt.Fprintln(w, id)
		return
	}
	fmt.Fprintf(w, "%s %s\n", id, exp.Status)
}
