// Command sphashd is the hasher process: a cooperative TTH worker
// driven by its own scheduler loop, talking to the engine over a
// dedicated stream socket using the same line-framed dialect as the
// client control bus (spec.md §5, §9 "Cooperative hasher as a
// separate process").
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rufuscoder/shakespeer/internal/controlbus"
	"github.com/rufuscoder/shakespeer/internal/hasher"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/splog"
)

// tickInterval is how often the scheduler loop calls Worker.Tick when
// the queue is non-empty but Tick itself isn't sleeping for throttle.
const tickInterval = 10 * time.Millisecond

var (
	workdir  string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "sphashd",
		Short: "cooperative TTH hashing worker",
		RunE:  run,
	}
	root.Flags().StringVarP(&workdir, "workdir", "w", defaultWorkdir(), "engine working directory")
	root.Flags().StringVarP(&logLevel, "loglevel", "d", "message", "log level: none, warning, message, debug")

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
		return errors.Wrap(err, "sphashd")
	}
	splog.SetLevel(os.Stderr, level)

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return errors.Wrapf(err, "sphashd: create workdir %s", workdir)
	}

	bus := notify.New()
	worker := hasher.NewWorker(bus)

	if err := writePidFile(filepath.Join(workdir, "sphashd.pid")); err != nil {
		splog.Errorf("sphashd", "could not write pid file: %v", err)
	}

	sockPath := filepath.Join(workdir, "sphashd")
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, "sphashd: listen on %s", sockPath)
	}
	defer listener.Close()

	d := newDispatcher(worker, bus)
	go d.acceptLoop(listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.schedulerLoop(ctx, worker)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigCh:
		splog.Infof("sphashd", "received termination signal, shutting down")
	case <-d.shutdown:
		splog.Infof("sphashd", "shutdown requested over control bus")
	}
	return nil
}

// dispatcher fans tth-available events out to whichever control
// connection is currently attached (the hasher serves one engine at
// a time, matching spec.md's "dedicated stream socket" design) and
// turns inbound "hash"/"delay"/"shutdown" lines into Worker calls.
type dispatcher struct {
	mu       sync.Mutex
	conn     net.Conn
	worker   *hasher.Worker
	shutdown chan struct{}
}

func newDispatcher(w *hasher.Worker, bus *notify.Bus) *dispatcher {
	d := &dispatcher{worker: w, shutdown: make(chan struct{})}
	bus.Subscribe(notify.TopicTTHAvailable, func(event interface{}) {
		ev, ok := event.(hasher.TTHAvailableEvent)
		if !ok {
			return
		}
		d.emit(ev)
	})
	return d
}

func (d *dispatcher) emit(ev hasher.TTHAvailableEvent) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	leaves := base64.StdEncoding.EncodeToString(ev.Leaves)
	line := controlbus.Format("tth-available", strconv.FormatUint(ev.Inode, 10), ev.TTH, leaves, ev.Path)
	conn.Write(controlbus.FrameLine(line))
}

func (d *dispatcher) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		d.serve(conn)
	}
}

func (d *dispatcher) serve(conn net.Conn) {
	defer conn.Close()
	lr := controlbus.NewLineReader(conn)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return
		}
		if err := d.handleLine(line); err != nil {
			splog.Debugf("sphashd", "control bus: %v", err)
		}
	}
}

func (d *dispatcher) handleLine(line string) error {
	msg := controlbus.Parse(line)
	switch msg.Name {
	case "hash":
		if len(msg.Args) != 2 {
			return errors.Errorf("sphashd: malformed hash command %q", line)
		}
		inode, err := strconv.ParseUint(msg.Args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "sphashd: parse inode")
		}
		d.worker.Enqueue(inode, msg.Args[1])
		return nil
	case "delay":
		if len(msg.Args) != 1 {
			return errors.Errorf("sphashd: malformed delay command %q", line)
		}
		micros, err := strconv.ParseInt(msg.Args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "sphashd: parse delay")
		}
		d.worker.SetDelay(time.Duration(micros) * time.Microsecond)
		return nil
	case "shutdown":
		close(d.shutdown)
		return nil
	default:
		return errors.Wrapf(controlbus.ErrUnknownCommand, "sphashd: %q", msg.Name)
	}
}

func (d *dispatcher) schedulerLoop(ctx context.Context, worker *hasher.Worker) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if worker.Pending() == 0 {
				continue
			}
			if _, err := worker.Tick(ctx); err != nil {
				splog.Debugf("sphashd", "tick: %v", err)
			}
		}
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
