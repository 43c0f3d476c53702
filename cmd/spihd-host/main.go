package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/bridge"
	"github.com/slackhq/spihd/essl"
	"github.com/slackhq/spihd/essl/esslspi"
	"github.com/slackhq/spihd/hdbus"
	"github.com/slackhq/spihd/sshd"
	"golang.org/x/term"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	bridgeAddr := flag.String("bridge", "", "Address of a spihd bridge to reach the slave through, host:port")
	serialDev := flag.String("serial", "", "Serial device of a bridge to reach the slave through")
	baud := flag.Int("baud", 115200, "Baud rate of the serial bridge")
	txBufSize := flag.Uint("tx-buf-size", 64, "Size of the slave's receive buffers")
	txSyncReg := flag.String("tx-sync-reg", "0x38", "Register holding the slave's loaded buffer counter")
	rxSyncReg := flag.String("rx-sync-reg", "0x3C", "Register holding the slave's queued byte counter")
	lines := flag.Int("lines", 1, "Data lines the bus uses: 1, 2 or 4")
	timeout := flag.Duration("timeout", time.Second, "How long an operation waits for the slave")
	debugLogs := flag.Bool("debug", false, "Log every link operation")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s: [flags] [command [args]]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Without a command an interactive console is started.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if (*bridgeAddr == "") == (*serialDev == "") {
		fmt.Println("exactly one of -bridge and -serial must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stderr
	if *debugLogs {
		l.SetLevel(logrus.DebugLevel)
	}

	cfg, err := linkConfig(uint32(*txBufSize), *txSyncReg, *rxSyncReg)
	if err != nil {
		fmt.Printf("invalid link config: %s\n", err)
		os.Exit(1)
	}

	mode, err := hdbus.ParseLines(*lines)
	if err != nil {
		fmt.Printf("invalid link config: %s\n", err)
		os.Exit(1)
	}

	client, err := connect(*bridgeAddr, *serialDev, *baud, *timeout)
	if err != nil {
		fmt.Printf("failed to reach the bridge: %s\n", err)
		os.Exit(1)
	}
	defer client.Close()

	bus := hdbus.New(client)
	bus.SetLines(mode)
	dev, err := esslspi.New(l, bus, cfg)
	if err != nil {
		fmt.Printf("failed to set up the link: %s\n", err)
		os.Exit(1)
	}
	h := essl.New(l, dev)
	cmds := hostCommands(h, dev, *timeout)

	if flag.NArg() > 0 {
		err = cmds.Exec(flag.Args(), sshd.NewStringWriter(os.Stdout))
		client.Close()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := console(cmds); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func linkConfig(txBufSize uint32, txSyncReg, rxSyncReg string) (esslspi.Config, error) {
	tx, err := strconv.ParseUint(txSyncReg, 0, 8)
	if err != nil {
		return esslspi.Config{}, fmt.Errorf("tx-sync-reg: %w", err)
	}
	rx, err := strconv.ParseUint(rxSyncReg, 0, 8)
	if err != nil {
		return esslspi.Config{}, fmt.Errorf("rx-sync-reg: %w", err)
	}

	cfg := esslspi.Config{TxBufSize: txBufSize, TxSyncReg: uint8(tx), RxSyncReg: uint8(rx)}
	return cfg, cfg.Validate()
}

func connect(addr, dev string, baud int, timeout time.Duration) (*bridge.Client, error) {
	if addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return bridge.Dial(ctx, "tcp", addr)
	}

	port, err := bridge.OpenSerial(bridge.SerialConfig{Device: dev, Baud: baud})
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(port), nil
}

// console runs an interactive session on the controlling terminal.
func console(cmds *sshd.Commands) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := sshd.NewTerminal(rw, "spihd-host > ", cmds)
	return sshd.RunTerminal(t, cmds, func(err error) {
		fmt.Fprintf(t, "error: %s\n", err)
	})
}
