package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xfeldman/sboxd/internal/client"
	"github.com/xfeldman/sboxd/internal/version"
)

type StatusCmd struct {
	JSON bool `help:"Print the raw status as JSON"`
}

func (c *StatusCmd) Run(ctx context.Context, g *Globals) error {
	st, err := g.client().Status(ctx)
	if err != nil {
		return fmt.Errorf("sboxd not reachable: %w", err)
	}
	if c.JSON {
		return printJSON(st)
	}
	fmt.Printf("sboxd:    %s (%s)\n", st.Version, st.Platform)
	fmt.Printf("kernel:   %s\n", describeKernel(st.Kernel))
	fmt.Printf("binary:   %s%s\n", st.KernelBinary, missing(st.KernelInstalled))
	fmt.Printf("config:   %s%s\n", st.ConfigPath, missing(st.ConfigPresent))
	if st.LastInstall != nil {
		fmt.Printf("install:  %s from %s at %s\n", orLatest(st.LastInstall.Version), st.LastInstall.Source,
			st.LastInstall.CreatedAt.Local().Format(time.DateTime))
	}
	return nil
}

type StartCmd struct{}

func (c *StartCmd) Run(ctx context.Context, g *Globals) error {
	return printTransition(g.client().StartKernel(ctx))
}

type StopCmd struct{}

func (c *StopCmd) Run(ctx context.Context, g *Globals) error {
	return printTransition(g.client().StopKernel(ctx))
}

type RestartCmd struct{}

func (c *RestartCmd) Run(ctx context.Context, g *Globals) error {
	return printTransition(g.client().RestartKernel(ctx))
}

type LogsCmd struct {
	Tail   int  `short:"n" help:"Number of trailing lines" default:"100"`
	Follow bool `short:"f" help:"Keep streaming new lines"`
}

func (c *LogsCmd) Run(ctx context.Context, g *Globals) error {
	cl := g.client()
	if !c.Follow {
		entries, err := cl.KernelLogs(ctx, c.Tail)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printLogEntry(e)
		}
		return nil
	}

	body, err := cl.StreamLogs(ctx, c.Tail)
	if err != nil {
		return err
	}
	defer body.Close()
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var e client.LogEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			printLogEntry(e)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

type HistoryCmd struct {
	Limit int `short:"n" help:"Number of transitions" default:"20"`
}

func (c *HistoryCmd) Run(ctx context.Context, g *Globals) error {
	trs, err := g.client().KernelHistory(ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, tr := range trs {
		line := fmt.Sprintf("%s  %-9s", tr.At.Local().Format(time.DateTime), tr.State)
		if tr.PID != 0 {
			line += fmt.Sprintf(" pid=%d", tr.PID)
		}
		if tr.ExitCode != nil {
			line += fmt.Sprintf(" exit=%d", *tr.ExitCode)
		}
		if tr.Error != "" {
			line += " error=" + tr.Error
		}
		fmt.Println(line)
	}
	return nil
}

type InstallCmd struct {
	Version string `arg:"" optional:"" help:"Release version, latest when omitted"`
}

func (c *InstallCmd) Run(ctx context.Context, g *Globals) error {
	p := newProgressPrinter(os.Stderr)
	res, err := g.client().InstallKernel(ctx, c.Version, p.event)
	p.done()
	if err != nil {
		return err
	}
	fmt.Printf("installed sing-box %s from %s (%d bytes)\n", orLatest(res.Version), res.Source, res.Bytes)
	fmt.Printf("binary: %s\n", res.BinaryPath)
	return nil
}

type SubscribeCmd struct {
	URL string `arg:"" optional:"" help:"Subscription URL, the configured one when omitted"`
}

func (c *SubscribeCmd) Run(ctx context.Context, g *Globals) error {
	res, err := g.client().UpdateSubscription(ctx, c.URL)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", res.Bytes, res.ConfigPath)
	fmt.Println("restart the kernel to apply: sbox restart")
	return nil
}

type ModeCmd struct {
	Mode string `arg:"" enum:"system,tun" help:"system or tun"`
}

func (c *ModeCmd) Run(ctx context.Context, g *Globals) error {
	if err := g.client().SetMode(ctx, c.Mode); err != nil {
		return err
	}
	fmt.Printf("mode set to %s\n", c.Mode)
	return nil
}

type IPCmd struct {
	Version string `arg:"" enum:"4,6" help:"4 for ipv4_only, 6 for prefer_ipv6"`
}

func (c *IPCmd) Run(ctx context.Context, g *Globals) error {
	res, err := g.client().SetIPVersion(ctx, c.Version == "6")
	if err != nil {
		return err
	}
	fmt.Printf("domain strategy %s (%d fields rewritten)\n", res.Strategy, res.Rewritten)
	return nil
}

type SelfUpdateCmd struct {
	URL    string `arg:"" help:"Installer download URL"`
	Launch bool   `help:"Launch the installer once downloaded"`
}

func (c *SelfUpdateCmd) Run(ctx context.Context, g *Globals) error {
	p := newProgressPrinter(os.Stderr)
	res, err := g.client().SelfUpdate(ctx, c.URL, c.Launch, p.event)
	p.done()
	if err != nil {
		return err
	}
	fmt.Printf("downloaded %s (%d bytes)\n", res.Path, res.Bytes)
	if res.Launched {
		fmt.Println("installer launched")
	}
	return nil
}

type EventsCmd struct {
	Topic string `help:"Only show one topic (download-progress, update-progress, kernel-status, subscription)"`
}

func (c *EventsCmd) Run(ctx context.Context, g *Globals) error {
	return g.client().Events(ctx, c.Topic, func(e client.Event) bool {
		line := fmt.Sprintf("%s  %-17s %-12s", e.Time.Local().Format(time.TimeOnly), e.Topic, e.Stage)
		if e.Progress > 0 {
			line += fmt.Sprintf(" %3d%%", e.Progress)
		}
		if e.Message != "" {
			line += "  " + e.Message
		}
		fmt.Println(line)
		return true
	})
}

type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context, g *Globals) error {
	fmt.Printf("sbox:  %s\n", version.Version())
	st, err := g.client().Status(ctx)
	if err != nil {
		fmt.Println("sboxd: not running")
		return nil
	}
	fmt.Printf("sboxd: %s\n", st.Version)
	return nil
}

// --- output helpers ---

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTransition(st *client.KernelStatus, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("kernel: %s\n", describeKernel(*st))
	return nil
}

func describeKernel(k client.KernelStatus) string {
	parts := []string{k.State}
	if k.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid %d", k.PID))
	}
	if k.ExitCode != nil {
		parts = append(parts, fmt.Sprintf("exit code %d", *k.ExitCode))
	}
	if k.CrashCount > 0 {
		parts = append(parts, fmt.Sprintf("%d crashes", k.CrashCount))
	}
	if k.LastError != "" {
		parts = append(parts, k.LastError)
	}
	return strings.Join(parts, ", ")
}

func printLogEntry(e client.LogEntry) {
	fmt.Printf("%s [%s] %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Stream, e.Line)
}

func missing(present bool) string {
	if present {
		return ""
	}
	return " (missing)"
}

func orLatest(v string) string {
	if v == "" {
		return "latest"
	}
	return v
}

// progressPrinter renders streamed progress events on one terminal line.
type progressPrinter struct {
	w     io.Writer
	wrote bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) event(e client.Event) {
	msg := e.Message
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	fmt.Fprintf(p.w, "\r\033[K%3d%% %-11s %s", e.Progress, e.Stage, msg)
	p.wrote = true
}

func (p *progressPrinter) done() {
	if p.wrote {
		fmt.Fprintln(p.w)
	}
}
