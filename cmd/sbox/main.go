// sbox is the CLI for the sboxd daemon.
//
// Commands:
//
//	sbox status        Show daemon and kernel status
//	sbox start|stop    Start or stop the sing-box kernel
//	sbox install       Download and install a kernel release
//	sbox subscribe     Fetch a subscription into the kernel config
//	sbox mode          Switch between system proxy and TUN mode
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/xfeldman/sboxd/internal/client"
	"github.com/xfeldman/sboxd/internal/version"
)

// Globals are flags shared by every command.
type Globals struct {
	Socket  string           `help:"sboxd socket path" env:"SBOXD_SOCKET_PATH" type:"path"`
	Version kong.VersionFlag `help:"Show version and exit"`
}

func (g *Globals) client() *client.Client {
	if g.Socket != "" {
		return client.New(g.Socket)
	}
	return client.NewDefault()
}

// CLI is the sbox command tree.
type CLI struct {
	Globals

	Status     StatusCmd     `cmd:"" help:"Show daemon and kernel status"`
	Start      StartCmd      `cmd:"" help:"Start the sing-box kernel"`
	Stop       StopCmd       `cmd:"" help:"Stop the sing-box kernel"`
	Restart    RestartCmd    `cmd:"" help:"Restart the sing-box kernel"`
	Logs       LogsCmd       `cmd:"" help:"Show kernel output"`
	History    HistoryCmd    `cmd:"" help:"Show kernel state transitions"`
	Install    InstallCmd    `cmd:"" help:"Download and install a kernel release"`
	Subscribe  SubscribeCmd  `cmd:"" help:"Fetch a subscription into the kernel config"`
	Mode       ModeCmd       `cmd:"" help:"Switch between system proxy and TUN mode"`
	IP         IPCmd         `cmd:"" name:"ip" help:"Choose the preferred IP version"`
	SelfUpdate SelfUpdateCmd `cmd:"" name:"self-update" help:"Download and optionally launch an sboxd update"`
	Events     EventsCmd     `cmd:"" help:"Stream daemon events"`
	Ver        VersionCmd    `cmd:"" name:"version" help:"Print the CLI and daemon versions"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sbox"),
		kong.Description("Control the sboxd sing-box supervisor."),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version()},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	if err == nil {
		return
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "sbox: %s (HTTP %d)\n", apiErr.Message, apiErr.StatusCode)
	} else {
		fmt.Fprintf(os.Stderr, "sbox: %v\n", err)
	}
	stop()
	os.Exit(1)
}
