// Command qmeventd supervises the lifecycle of local QEMU virtual
// machines: it listens on a unix-domain socket for emulator and backup
// driver connections, watches for guest shutdown over QMP, and drives
// graceful-then-forced termination with a bounded deadline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxmox/qmeventd/internal/logger"
	"github.com/proxmox/qmeventd/internal/qmeventd"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-f] [-v] [-t <seconds>] <socket-path>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "qmeventd listens on <socket-path> for QEMU QMP connections and\n")
	fmt.Fprintf(os.Stderr, "drives guest termination on shutdown.\n\n")
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	foreground := flag.Bool("f", false, "run in the foreground instead of daemonizing")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	killTimeout := flag.Int("t", 60, "seconds to wait for graceful shutdown before SIGKILL")
	help := flag.Bool("h", false, "show this help message")
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		return 0
	}

	if flag.NArg() != 1 {
		usage()
		return 2
	}
	socketPath := flag.Arg(0)

	if *killTimeout <= 0 {
		fmt.Fprintf(os.Stderr, "qmeventd: -t must be a positive integer\n")
		return 2
	}

	log := logger.New(os.Stderr, logger.NewConfig(*verbose))

	if !*foreground {
		if err := daemonize(); err != nil {
			log.Error("failed to daemonize", "error", err)
			return 1
		}
	}

	// The post-termination hook is reaped by the kernel without
	// qmeventd ever wait()ing on it.
	signal.Ignore(syscall.SIGCHLD)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := qmeventd.New(log, qmeventd.Config{
		SocketPath:  socketPath,
		KillTimeout: time.Duration(*killTimeout) * time.Second,
	})

	log.Info("starting", "socket", socketPath, "kill_timeout", *killTimeout)
	if err := d.Run(ctx); err != nil {
		log.Error("exited with error", "error", err)
		return 1
	}
	log.Info("shut down cleanly")
	return 0
}
