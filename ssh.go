package spihd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/config"
	"github.com/slackhq/spihd/sim"
	"github.com/slackhq/spihd/sshd"
	"go.yaml.in/yaml/v3"
)

type sshJsonFlags struct {
	Json   bool
	Pretty bool
}

type sshReadRegFlags struct {
	Length int
}

type slotInfo struct {
	Mode        string    `json:"mode"`
	MaxTransfer int       `json:"maxTransfer"`
	Sim         sim.Stats `json:"sim"`
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if !c.Changed("sshd") {
			return
		}
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// sshdConfig is the sshd section of the config.
type sshdConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Listen          string           `yaml:"listen"`
	HostKey         string           `yaml:"host_key"`
	AuthorizedUsers []authorizedUser `yaml:"authorized_users"`
}

type authorizedUser struct {
	User string  `yaml:"user"`
	Keys keyList `yaml:"keys"`
}

// keyList accepts a single authorized key or a list of them.
type keyList []string

func (k *keyList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*k = keyList{n.Value}
		return nil
	}
	var keys []string
	if err := n.Decode(&keys); err != nil {
		return err
	}
	*k = keys
	return nil
}

func sshdConfigFromConfig(c *config.C) (sshdConfig, error) {
	var cfg sshdConfig
	raw, err := yaml.Marshal(c.Get("sshd"))
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("sshd was not understood: %w", err)
	}
	return cfg, nil
}

// configSSH reads the sshd config into ssh and returns a function that runs
// it, or nil if sshd is disabled.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	cfg, err := sshdConfigFromConfig(c)
	if err != nil {
		return nil, err
	}

	if cfg.Listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}
	_, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	}
	if port == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	if cfg.HostKey == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}
	hostKey, err := os.ReadFile(cfg.HostKey)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %w", err)
	}
	if err := ssh.SetHostKey(hostKey); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %w", err)
	}

	ssh.ClearAuthorizedKeys()
	if len(cfg.AuthorizedUsers) == 0 {
		l.Info("no ssh users to authorize")
	}
	for _, u := range cfg.AuthorizedUsers {
		if u.User == "" {
			l.WithField("sshKeys", u.Keys).Warn("Authorized user is missing the user field")
			continue
		}
		for _, k := range u.Keys {
			if err := ssh.AddAuthorizedKey(u.User, k); err != nil {
				l.WithError(err).WithField("sshUser", u.User).WithField("sshKey", k).Warn("Failed to authorize key")
			}
		}
	}

	ssh.Stop()
	if !cfg.Enabled {
		return nil, nil
	}

	return func() {
		if err := ssh.Run(cfg.Listen); err != nil {
			l.WithError(err).Warn("Failed to run the SSH server")
		}
	}, nil
}

// attachCommands registers the slave's administrative commands on cmds.
func attachCommands(l *logrus.Logger, cmds *sshd.Commands, ctrl *Control, buildVersion string) {
	cmds.Register(&sshd.Command{
		Name:             "slot-info",
		ShortDescription: "Prints the slave slot configuration and peripheral counters",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshSlotInfo(ctrl, fs, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "link-stats",
		ShortDescription: "Prints the flow control counters the slave published",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLinkStats(ctrl, fs, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "link-send",
		ShortDescription: "Queues the arguments, joined by spaces, for the master to read",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLinkSend(ctrl, a, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "read-reg",
		ShortDescription: "Dumps the shared register file starting at the provided address",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshReadRegFlags{}
			fl.IntVar(&s.Length, "length", 1, "number of bytes to dump")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshReadReg(ctrl, fs, a, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "write-reg",
		ShortDescription: "Writes hex encoded bytes into the shared register file at the provided address",
		Help:             "write-reg <addr> <hex>, for example write-reg 0x10 deadbeef",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshWriteReg(ctrl, a, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "list-metrics",
		ShortDescription: "Prints all counters",
		Callback:         sshListMetrics,
	})

	cmds.Register(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshReload(ctrl, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Callback:         sshStartCpuProfile,
	})

	cmds.Register(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Callback:         sshGetHeapProfile,
	})

	cmds.Register(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, a, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, a, w)
		},
	})

	cmds.Register(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of spihd",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(buildVersion)
		},
	})
}

func jsonFlags() (*flag.FlagSet, any) {
	fl := flag.NewFlagSet("", flag.ContinueOnError)
	s := sshJsonFlags{}
	fl.BoolVar(&s.Json, "json", false, "outputs as json")
	fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
	return fl, &s
}

func writeJson(fs *sshJsonFlags, v any, w sshd.StringWriter) error {
	enc := json.NewEncoder(w.GetWriter())
	if fs.Pretty {
		enc.SetIndent("", "    ")
	}
	return enc.Encode(v)
}

func sshSlotInfo(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJsonFlags)
	if !ok {
		return fmt.Errorf("unexpected flags %T", a)
	}
	if ctrl.slot == nil {
		return w.WriteLine("No slot is running")
	}

	info := slotInfo{
		Mode:        ctrl.slot.Mode().String(),
		MaxTransfer: ctrl.slot.MaxTransferSize(),
		Sim:         ctrl.periph.Stats(),
	}
	if fs.Json || fs.Pretty {
		return writeJson(fs, info, w)
	}

	return w.WriteLine(fmt.Sprintf("mode: %s, max transfer: %d, writebacks: %d, invalidates: %d, dropped: %d",
		info.Mode, info.MaxTransfer, info.Sim.Writebacks, info.Sim.Invalidates, info.Sim.Dropped))
}

func sshLinkStats(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJsonFlags)
	if !ok {
		return fmt.Errorf("unexpected flags %T", a)
	}
	if ctrl.peer == nil {
		return w.WriteLine("The slot does not run the link")
	}

	st := ctrl.peer.Stats()
	if fs.Json || fs.Pretty {
		return writeJson(fs, st, w)
	}
	return w.WriteLine(fmt.Sprintf("loaded buffers: %d, queued bytes: %d", st.Loaded, st.Queued))
}

func sshLinkSend(ctrl *Control, a []string, w sshd.StringWriter) error {
	if ctrl.peer == nil {
		return w.WriteLine("The slot does not run the link")
	}
	if len(a) == 0 {
		return w.WriteLine("Nothing to send")
	}

	data := []byte(strings.Join(a, " "))
	ctx, cancel := context.WithTimeout(ctrl.context(), time.Second)
	defer cancel()
	if err := ctrl.peer.Send(ctx, data); err != nil {
		return w.WriteLine(fmt.Sprintf("Failed to queue data: %s", err))
	}
	return w.WriteLine(fmt.Sprintf("Queued %d bytes", len(data)))
}

func parseRegAddr(s string) (int, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid register address %s: %w", s, err)
	}
	return int(v), nil
}

func sshReadReg(ctrl *Control, a any, args []string, w sshd.StringWriter) error {
	fs, ok := a.(*sshReadRegFlags)
	if !ok {
		return fmt.Errorf("unexpected flags %T", a)
	}
	if ctrl.slot == nil {
		return w.WriteLine("No slot is running")
	}
	if len(args) == 0 {
		return w.WriteLine("No register address was provided")
	}

	addr, err := parseRegAddr(args[0])
	if err != nil {
		return w.WriteLine(err.Error())
	}
	if fs.Length <= 0 {
		return w.WriteLine("Length must be positive")
	}

	out := make([]byte, fs.Length)
	if err := ctrl.slot.ReadBuffer(addr, out); err != nil {
		return w.WriteLine(err.Error())
	}
	return w.Write(hex.Dump(out))
}

func sshWriteReg(ctrl *Control, args []string, w sshd.StringWriter) error {
	if ctrl.slot == nil {
		return w.WriteLine("No slot is running")
	}
	if len(args) < 2 {
		return w.WriteLine("Usage: write-reg <addr> <hex>")
	}

	addr, err := parseRegAddr(args[0])
	if err != nil {
		return w.WriteLine(err.Error())
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Invalid hex data: %s", err))
	}

	if err := ctrl.slot.WriteBuffer(addr, data); err != nil {
		return w.WriteLine(err.Error())
	}
	return w.WriteLine(fmt.Sprintf("Wrote %d bytes at 0x%02x", len(data), addr))
}

func sshListMetrics(fs any, a []string, w sshd.StringWriter) error {
	var lines []string
	metrics.DefaultRegistry.Each(func(name string, m any) {
		if c, ok := m.(metrics.Counter); ok {
			lines = append(lines, fmt.Sprintf("%s: %d", name, c.Count()))
		}
	})
	sort.Strings(lines)
	return w.Write(strings.Join(lines, "\n") + "\n")
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		err := w.WriteLine("No path to write profile provided")
		return err
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.StartCPUProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a))
	return err
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}
	defer file.Close()

	err = pprof.WriteHeapProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Mem profile created at %s", a))
	return err
}

func sshLogLevel(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) > 0 {
		f, err := newFormatter(a[0], "", false)
		if err != nil {
			return err
		}
		l.Formatter = f
	}
	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}

func sshReload(ctrl *Control, w sshd.StringWriter) error {
	if ctrl.c == nil {
		return w.WriteLine("no configuration loaded")
	}
	if err := ctrl.c.Reload(); err != nil {
		return w.WriteLine(fmt.Sprintf("reload failed: %s", err))
	}
	return w.WriteLine("Configuration reloaded")
}
