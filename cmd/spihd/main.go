package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd"
	"github.com/slackhq/spihd/config"
	"github.com/slackhq/spihd/util"
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
	serviceFlag := flag.String("service", "", "Control the system service.")
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *serviceFlag != "" {
		doService(configPath, configTest, Build, serviceFlag)
		os.Exit(1)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(*configPath, *configTest))
}

// run starts the daemon and blocks until it is told to stop. It returns the
// process exit code.
func run(configPath string, configTest bool) int {
	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(configPath); err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		return 1
	}

	ctrl, err := spihd.Main(c, configTest, Build, l, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}
	if configTest {
		return 0
	}

	if err := ctrl.Start(); err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.CatchHUP(ctx)

	notifyReady(l)
	ctrl.ShutdownBlock()
	notifyStopping(l)
	return 0
}
