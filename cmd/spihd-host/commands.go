package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slackhq/spihd/essl"
	"github.com/slackhq/spihd/essl/esslspi"
	"github.com/slackhq/spihd/sshd"
	"github.com/slackhq/spihd/util"
)

type sendFlags struct {
	Hex bool
}

type recvFlags struct {
	Hex    bool
	Length int
}

// hostCommands returns the commands that drive the link from the master side.
func hostCommands(h *essl.Handle, dev *esslspi.Device, wait time.Duration) *sshd.Commands {
	cmds := sshd.NewCommands()

	cmds.Register(&sshd.Command{
		Name:             "send",
		ShortDescription: "Sends the arguments, joined by spaces, to the slave",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sendFlags{}
			fl.BoolVar(&s.Hex, "hex", false, "the argument is hex encoded")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			f := fs.(*sendFlags)
			if len(a) == 0 {
				return w.WriteLine("Nothing to send")
			}

			data := []byte(strings.Join(a, " "))
			if f.Hex {
				var err error
				data, err = hex.DecodeString(strings.Join(a, ""))
				if err != nil {
					return w.WriteLine(fmt.Sprintf("Invalid hex data: %s", err))
				}
			}

			if err := h.SendPacket(data, wait); err != nil {
				return err
			}
			return w.WriteLine(fmt.Sprintf("Sent %d bytes", len(data)))
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "recv",
		ShortDescription: "Reads what the slave queued",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := recvFlags{}
			fl.BoolVar(&s.Hex, "hex", false, "dumps the data as hex")
			fl.IntVar(&s.Length, "length", 256, "the most bytes to read")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			f := fs.(*recvFlags)
			if f.Length <= 0 {
				return w.WriteLine("Length must be positive")
			}

			out := make([]byte, f.Length)
			n, err := h.GetPacket(out, wait)
			more := errors.Is(err, util.ErrNotFinished)
			if err != nil && !more {
				return err
			}

			if f.Hex {
				err = w.Write(hex.Dump(out[:n]))
			} else {
				err = w.WriteLine(string(out[:n]))
			}
			if err != nil || !more {
				return err
			}
			return w.WriteLine("(more data is queued)")
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "tx-buffers",
		ShortDescription: "Prints how many buffers the slave has free for sending",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			n, err := h.GetTxBufferNum(wait)
			if err != nil {
				return err
			}
			return w.WriteLine(strconv.FormatUint(uint64(n), 10))
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "rx-size",
		ShortDescription: "Prints how many bytes the slave has queued",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			n, err := h.GetRxDataSize(wait)
			if err != nil {
				return err
			}
			return w.WriteLine(strconv.FormatUint(uint64(n), 10))
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "counters",
		ShortDescription: "Prints the flow control counters as json",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return json.NewEncoder(w.GetWriter()).Encode(dev.Counters())
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "reset",
		ShortDescription: "Forgets the flow control counters, use after the slave restarted",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if err := h.ResetCnt(); err != nil {
				return err
			}
			return w.WriteLine("Counters reset")
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "read-reg",
		ShortDescription: "Reads one byte of the shared register file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if len(a) != 1 {
				return w.WriteLine("Usage: read-reg <addr>")
			}
			addr, err := parseByte(a[0])
			if err != nil {
				return w.WriteLine(err.Error())
			}
			v, err := h.ReadReg(addr)
			if err != nil {
				return err
			}
			return w.WriteLine(fmt.Sprintf("0x%02x", v))
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "write-reg",
		ShortDescription: "Writes one byte of the shared register file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if len(a) != 2 {
				return w.WriteLine("Usage: write-reg <addr> <value>")
			}
			addr, err := parseByte(a[0])
			if err != nil {
				return w.WriteLine(err.Error())
			}
			v, err := parseByte(a[1])
			if err != nil {
				return w.WriteLine(err.Error())
			}
			return h.WriteReg(addr, v)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "intr",
		ShortDescription: "Raises slave interrupts, mask 2 for CMD9 and 4 for CMDA",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if len(a) != 1 {
				return w.WriteLine("Usage: intr <mask>")
			}
			mask, err := strconv.ParseUint(a[0], 0, 32)
			if err != nil {
				return w.WriteLine(fmt.Sprintf("Invalid mask: %s", err))
			}
			return h.SendSlaveIntr(uint32(mask))
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "exit",
		ShortDescription: "Leaves the console",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshd.ErrExit
		},
	})

	return cmds
}

func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %s: %w", s, err)
	}
	return uint8(v), nil
}
