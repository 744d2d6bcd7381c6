package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/msageha/hostagent/internal/daemon"
	"github.com/msageha/hostagent/internal/lock"
	"github.com/msageha/hostagent/internal/model"
	"github.com/msageha/hostagent/internal/uds"
)

const version = "1.0.0"

// dataDirEnv overrides the default data directory.
const dataDirEnv = "HOSTAGENT_DATA_DIR"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runAgent(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "invoke":
		runInvoke(os.Args[2:])
	case "peers":
		runPeers(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("hostagent %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: hostagent <command> [options]

commands:
  run       run the agent in the foreground
  status    show the running agent's status
  invoke    send a command JSON object to this or a remote agent
  peers     list the agents this agent knows about
  shutdown  stop the running agent
  version   print the version

every command accepts --data-dir (default $`+dataDirEnv+` or ~/.hostagent)
`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func defaultDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hostagent"
	}
	return filepath.Join(home, ".hostagent")
}

// newFlagSet returns a flag set carrying the shared --data-dir flag.
func newFlagSet(name string, dataDir *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("hostagent "+name, pflag.ContinueOnError)
	fs.StringVar(dataDir, "data-dir", defaultDataDir(), "agent data directory")
	return fs
}

func parse(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fail("%v", err)
	}
}

func client(dataDir string, timeout time.Duration) *uds.Client {
	c := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	c.SetTimeout(timeout)
	return c
}

func runAgent(args []string) {
	var dataDir string
	fs := newFlagSet("run", &dataDir)
	parse(fs, args)

	cfg, err := model.LoadConfig(filepath.Join(dataDir, daemon.ConfDir, model.ConfigFileName))
	if err != nil {
		fail("load config: %v", err)
	}
	d, err := daemon.New(dataDir, cfg, version)
	if err != nil {
		fail("create agent: %v", err)
	}
	if err := d.Run(); err != nil {
		fail("agent: %v", err)
	}
}

func runStatus(args []string) {
	var dataDir string
	var jsonOutput bool
	fs := newFlagSet("status", &dataDir)
	fs.BoolVar(&jsonOutput, "json", false, "print JSON instead of YAML")
	parse(fs, args)

	data, err := client(dataDir, 5*time.Second).Status(context.Background())
	if err != nil {
		if pid, herr := lock.Holder(filepath.Join(dataDir, daemon.LockFile)); herr == nil {
			fail("status: %v (lock held by pid %d)", err, pid)
		}
		fail("status: %v", err)
	}
	printDocument("status", data, jsonOutput)
}

// printDocument writes a control reply as JSON or YAML.
func printDocument(what string, data json.RawMessage, jsonOutput bool) {
	if jsonOutput {
		fmt.Println(string(data))
		return
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fail("decode %s: %v", what, err)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		fail("format %s: %v", what, err)
	}
	fmt.Print(string(out))
}

func runPeers(args []string) {
	var dataDir string
	var p uds.PeersParams
	var jsonOutput bool
	fs := newFlagSet("peers", &dataDir)
	fs.StringVar(&p.Hostname, "hostname", "", "only peers advertising this hostname")
	fs.BoolVar(&jsonOutput, "json", false, "print JSON instead of YAML")
	parse(fs, args)

	data, err := client(dataDir, 5*time.Second).Peers(context.Background(), p)
	if err != nil {
		fail("peers: %v", err)
	}
	printDocument("peers", data, jsonOutput)
}

func runInvoke(args []string) {
	var dataDir string
	var p uds.InvokeParams
	var timeout time.Duration
	fs := newFlagSet("invoke", &dataDir)
	fs.StringVar(&p.Host, "host", "", "remote agent as host or host:port (default: this agent)")
	fs.StringVar(&p.Path, "path", "", "invoke path (default /)")
	fs.StringVar(&p.Secret, "secret", "", "remote agent's admin secret")
	fs.DurationVar(&timeout, "timeout", 60*time.Second, "overall timeout")
	parse(fs, args)

	if fs.NArg() != 1 {
		fail("usage: hostagent invoke [--host h[:port]] [--path p] [--secret s] '<command json>'")
	}
	p.Command = json.RawMessage(fs.Arg(0))

	data, err := client(dataDir, timeout).Invoke(context.Background(), p)
	switch {
	case errors.Is(err, uds.ErrNotFound):
		fail("invoke: no handler on path %q: %v", p.Path, err)
	case errors.Is(err, uds.ErrRemote):
		fail("invoke: remote agent %s: %v", p.Host, err)
	case err != nil:
		fail("invoke: %v", err)
	}
	fmt.Println(string(data))
}

func runShutdown(args []string) {
	var dataDir string
	fs := newFlagSet("shutdown", &dataDir)
	parse(fs, args)

	if err := client(dataDir, 5*time.Second).Shutdown(context.Background()); err != nil {
		fail("shutdown: %v", err)
	}
	fmt.Println("shutdown requested")
}
