// Command sphubd is the hub/transfer engine process: it owns the
// share index, the TTH store, the download queue, every hub and peer
// connection, and the control-bus listener a front-end drives, per
// spec.md §6.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rufuscoder/shakespeer/internal/bloom"
	"github.com/rufuscoder/shakespeer/internal/controlbus"
	"github.com/rufuscoder/shakespeer/internal/engine"
	"github.com/rufuscoder/shakespeer/internal/extip"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/queue"
	"github.com/rufuscoder/shakespeer/internal/splog"
	"github.com/rufuscoder/shakespeer/internal/tthstore"
)

// defaultBloomBytes sizes a fresh filter at 64KiB (512Ki bits), the
// same order of magnitude the source's bloom.c default carries before
// the first 70%-fill resize.
const defaultBloomBytes = 64 * 1024

var defaultExtipHosts = []extip.Host{
	{Addr: "checkip.dyndns.org:80", URI: "/"},
	{Addr: "icanhazip.com:80", URI: "/"},
	{Addr: "ifconfig.me:80", URI: "/ip"},
}

var (
	workdir  string
	logLevel string
	port     int
)

func main() {
	root := &cobra.Command{
		Use:   "sphubd",
		Short: "NMDC hub and transfer engine",
		RunE:  run,
	}
	root.Flags().StringVarP(&workdir, "workdir", "w", defaultWorkdir(), "engine working directory")
	root.Flags().StringVarP(&logLevel, "loglevel", "d", "message", "log level: none, warning, message, debug")
	root.Flags().IntVarP(&port, "port", "p", 0, "TCP port to advertise to peers (0: unset)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultWorkdir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".shakespeer")
	}
	return ".shakespeer"
}

func run(cmd *cobra.Command, args []string) error {
	level, err := splog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "sphubd")
	}
	splog.SetLevel(os.Stderr, level)

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return errors.Wrapf(err, "sphubd: create workdir %s", workdir)
	}

	bus := notify.New()

	store, err := tthstore.Open(filepath.Join(workdir, "tth2.db"))
	if err != nil {
		return errors.Wrap(err, "sphubd: open TTH store")
	}
	defer store.Close()

	flt := bloom.NewFilter(defaultBloomBytes)
	q, err := queue.Open(filepath.Join(workdir, "queue.db"), bus)
	if err != nil {
		return errors.Wrap(err, "sphubd: open queue store")
	}
	defer q.Close()

	prober := extip.New(defaultExtipHosts, bus)

	eng := engine.New(workdir, bus, store, flt, q, prober)
	eng.Port = port

	if err := writePidFile(filepath.Join(workdir, "sphubd.pid")); err != nil {
		splog.Errorf("sphubd", "could not write pid file: %v", err)
	}

	sockPath := filepath.Join(workdir, "sphubd")
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, "sphubd: listen on %s", sockPath)
	}
	defer listener.Close()

	out := newBroadcaster()
	hubs := newHubManager(eng, out, "")

	shutdown := make(chan struct{})
	go acceptControlConnections(eng, hubs, out, listener, shutdown)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigCh:
		splog.Infof("sphubd", "received termination signal, shutting down")
	case <-shutdown:
		splog.Infof("sphubd", "shutdown requested over control bus")
	}
	return nil
}

// acceptControlConnections serves the control-bus unix socket: each
// accepted connection is fed line by line to the engine's Control bus,
// which dispatches to the registered inbound-command handlers wired
// in registerControlHandlers, and is attached to out so the engine can
// push events (user lists, chat, search results, ...) back to it.
func acceptControlConnections(eng *engine.Engine, hubs *hubManager, out *broadcaster, listener net.Listener, shutdown chan<- struct{}) {
	registerControlHandlers(eng, hubs, shutdown)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		out.attach(conn)
		go serveControlConn(eng, out, conn)
	}
}

func serveControlConn(eng *engine.Engine, out *broadcaster, conn net.Conn) {
	defer func() {
		out.detach(conn)
		conn.Close()
	}()
	lr := controlbus.NewLineReader(conn)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return
		}
		if err := eng.Control.Feed(line); err != nil {
			splog.Debugf("sphubd", "control bus: %v", err)
		}
	}
}

// registerControlHandlers wires the fixed inbound-command table (§4.K)
// to engine operations: connect-hub dials and logs a hub session in
// under the engine's hub arena, search/send-chat/send-private write
// straight to that hub's connection, download/cancel-download/
// set-priority drive the persistent queue, and add-share/remove-share/
// rescan-share drive the share index. set-password and set-port touch
// per-hub and engine state respectively; set-nick changes the default
// nick used by future connect-hub calls.
func registerControlHandlers(eng *engine.Engine, hubs *hubManager, shutdown chan<- struct{}) {
	eng.Control.On(controlbus.CmdShutdown, func(args []string) error {
		close(shutdown)
		return nil
	})

	eng.Control.On(controlbus.CmdConnectHub, func(args []string) error {
		if len(args) < 1 {
			return errors.New("sphubd: connect-hub requires an address")
		}
		nick := ""
		if len(args) > 1 {
			nick = args[1]
		}
		return hubs.connectHub(args[0], nick)
	})

	eng.Control.On(controlbus.CmdDisconnectHub, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: disconnect-hub requires an address")
		}
		hub, ok := eng.HubByAddress(args[0])
		if !ok {
			return errors.Errorf("sphubd: no hub connected at %s", args[0])
		}
		hubs.disconnect(hub.ID, args[0], "front-end requested disconnect")
		return nil
	})

	eng.Control.On(controlbus.CmdSendChat, func(args []string) error {
		if len(args) != 2 {
			return errors.New("sphubd: send-chat requires address and text")
		}
		return hubs.sendChat(args[0], args[1])
	})

	eng.Control.On(controlbus.CmdSendPrivate, func(args []string) error {
		if len(args) != 3 {
			return errors.New("sphubd: send-private requires address, nick and text")
		}
		return hubs.sendPrivate(args[0], args[1], args[2])
	})

	eng.Control.On(controlbus.CmdSearch, func(args []string) error {
		if len(args) != 2 {
			return errors.New("sphubd: search requires address and restriction")
		}
		return hubs.issueSearch(args[0], args[1])
	})

	eng.Control.On(controlbus.CmdDownload, func(args []string) error {
		if len(args) != 5 {
			return errors.New("sphubd: download requires nick, source, size, target and tth")
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return errors.Wrap(err, "sphubd: download size")
		}
		return hubs.download(args[0], args[1], size, args[3], args[4], queue.PriorityNormal)
	})

	eng.Control.On(controlbus.CmdCancelDownload, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: cancel-download requires a target id")
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "sphubd: cancel-download id")
		}
		return eng.Queue.RemoveTarget(id)
	})

	eng.Control.On(controlbus.CmdSetPriority, func(args []string) error {
		if len(args) != 2 {
			return errors.New("sphubd: set-priority requires a target id and priority")
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "sphubd: set-priority id")
		}
		return eng.Queue.SetPriority(id, parsePriority(args[1]))
	})

	eng.Control.On(controlbus.CmdAddShare, func(args []string) error {
		if len(args) != 2 {
			return errors.New("sphubd: add-share requires a local path and a virtual name")
		}
		_, err := eng.Share.AddMountpoint(args[0], args[1])
		return err
	})

	eng.Control.On(controlbus.CmdRemoveShare, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: remove-share requires a virtual name")
		}
		return eng.Share.RemoveMountpoint(args[0])
	})

	eng.Control.On(controlbus.CmdRescanShare, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: rescan-share requires a virtual name")
		}
		return eng.Share.Rescan(args[0])
	})

	eng.Control.On(controlbus.CmdSetPassword, func(args []string) error {
		if len(args) != 2 {
			return errors.New("sphubd: set-password requires an address and a password")
		}
		hub, ok := eng.HubByAddress(args[0])
		if !ok {
			return errors.Errorf("sphubd: no hub connected at %s", args[0])
		}
		hub.Session.SetPassword(args[1])
		return nil
	})

	eng.Control.On(controlbus.CmdSetPort, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: set-port requires a port number")
		}
		p, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrap(err, "sphubd: set-port")
		}
		eng.Port = p
		return nil
	})

	eng.Control.On(controlbus.CmdSetNick, func(args []string) error {
		if len(args) != 1 {
			return errors.New("sphubd: set-nick requires a nick")
		}
		hubs.nick = args[0]
		return nil
	})
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
