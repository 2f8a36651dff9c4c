package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/regainflow/console/internal/domain"
	apiclient "github.com/regainflow/console/pkg/api/client"
)

// printer renders command output as aligned text on a terminal and JSON otherwise.
type printer struct {
	out         io.Writer
	errOut      io.Writer
	json        bool
	interactive bool
}

func newPrinter(out, errOut io.Writer, mode string) printer {
	tty := isTerminal(out)
	p := printer{out: out, errOut: errOut, interactive: tty}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "json":
		p.json = true
	case "text":
	default:
		p.json = !tty
	}
	if !tty {
		color.NoColor = true
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) table(header string, rows func(w io.Writer)) error {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func (p printer) Environments(envs []apiclient.Environment) error {
	if p.json {
		return p.JSON(envs)
	}
	return p.table("ID\tNAME\tTYPE\tSTATUS\tREGION\tDEPLOYING", func(w io.Writer) {
		for _, env := range envs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", env.ID, env.Name, env.Type, statusColor(env.Status), env.Region, env.Deploying)
		}
	})
}

func (p printer) Plan(plan domain.DeploymentPlan, source string) error {
	if p.json {
		return p.JSON(map[string]any{"plan": plan, "source": source})
	}
	bold := color.New(color.Bold)
	bold.Fprintf(p.out, "%s", plan.Name)
	fmt.Fprintf(p.out, " (%s)\n%s\n", source, plan.Summary)
	for _, line := range plan.Infrastructure {
		fmt.Fprintf(p.out, "  infra   %s\n", line)
	}
	for _, line := range plan.Configuration {
		fmt.Fprintf(p.out, "  config  %s\n", line)
	}
	return nil
}

func (p printer) LogEntry(entry domain.LogEntry) error {
	if p.json {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	}
	_, err := fmt.Fprintf(p.out, "%s [%s] %-9s %s\n",
		entry.Timestamp.Local().Format(time.TimeOnly),
		levelColor(entry.Level),
		entry.Source,
		entry.Message)
	return err
}

func (p printer) Audit(events []domain.AuditEvent) error {
	if p.json {
		return p.JSON(events)
	}
	return p.table("TIME\tACTION\tACTOR\tRESOURCE\tSTATUS\tDETAIL", func(w io.Writer) {
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Action, ev.Actor, ev.Resource, ev.Status, ev.Detail)
		}
	})
}

func (p printer) Blueprints(bps []domain.Blueprint) error {
	if p.json {
		return p.JSON(bps)
	}
	return p.table("ID\tNAME\tTYPE\tREGION\tRESOURCES", func(w io.Writer) {
		for _, bp := range bps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", bp.ID, bp.Name, bp.Preset.Type, bp.Preset.Region, strings.Join(bp.Resources, ", "))
		}
	})
}

// Spin shows a spinner on interactive terminals while fn runs.
func (p printer) Spin(message string, fn func() error) error {
	if !p.interactive {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = p.errOut
	_ = s.Color("blue", "bold")
	s.Start()
	err := fn()
	s.Stop()
	return err
}

func levelColor(level string) string {
	switch level {
	case domain.LevelSuccess:
		return color.GreenString(level)
	case domain.LevelWarn:
		return color.YellowString(level)
	case domain.LevelError:
		return color.RedString(level)
	default:
		return color.CyanString(level)
	}
}

func statusColor(status domain.EnvStatus) string {
	switch status {
	case domain.StatusActive:
		return color.GreenString(string(status))
	case domain.StatusError:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}
