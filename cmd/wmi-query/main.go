// Command wmi-query runs WMI queries, method calls and event watches
// against a local or remote computer.
//
//	wmi-query -moniker //srv1/root/cimv2 -user 'CORP\alice' -query "SELECT * FROM Win32_Service"
//	wmi-query -class Win32_Service -key Name=wuauserv -method StopService
//	wmi-query -watch "SELECT * FROM __InstanceCreationEvent WITHIN 2 WHERE TargetInstance ISA 'Win32_Process'"
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/smnsjas/go-wmi/internal/config"
	ilog "github.com/smnsjas/go-wmi/internal/log"
	"github.com/smnsjas/go-wmi/internal/metrics"
	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wmi"
)

// pairs is a repeatable name=value flag.
type pairs map[string]any

func (p pairs) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (p pairs) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	p[k] = v
	return nil
}

type options struct {
	configFile  string
	profile     string
	moniker     string
	query       string
	class       string
	keys        pairs
	method      string
	args        pairs
	watch       string
	watchFor    time.Duration
	watchCount  int
	serialize   bool
	logLevel    string
	logFile     string
	metricsAddr string

	// Connection overrides; applied only when set on the command line.
	user, pass, auth, transport, protocol, locale string
	timeout                                       time.Duration
	port                                          int
	insecure                                      bool
}

func main() {
	o := options{keys: pairs{}, args: pairs{}}
	flag.StringVar(&o.configFile, "config", "", "YAML configuration file with connection profiles")
	flag.StringVar(&o.profile, "profile", "", "Connection profile from -config")
	flag.StringVar(&o.moniker, "moniker", "", `Namespace or object moniker, e.g. //srv1/root/cimv2 or //./root/cimv2:Win32_Service.Name="wuauserv"`)
	flag.StringVar(&o.query, "query", "", "WQL query to run")
	flag.StringVar(&o.class, "class", "", "Class to describe, look up (with -key) or call a method on")
	flag.Var(o.keys, "key", "Key property name=value for -class (repeatable)")
	flag.StringVar(&o.method, "method", "", "Method to invoke on -class or the looked-up instance")
	flag.Var(o.args, "arg", "Method argument name=value (repeatable)")
	flag.StringVar(&o.watch, "watch", "", "WQL event query to watch")
	flag.DurationVar(&o.watchFor, "watch-timeout", 0, "Time to wait for each event (0 waits forever)")
	flag.IntVar(&o.watchCount, "watch-count", 0, "Stop after this many events (0 for no limit)")
	flag.BoolVar(&o.serialize, "serialize", false, "Print instances as CIM-XML")
	flag.StringVar(&o.user, "user", "", `User name: DOMAIN\user, DOMAIN/user or user@domain`)
	flag.StringVar(&o.pass, "pass", "", "Password (use WMI_PASSWORD env var instead)")
	flag.StringVar(&o.auth, "auth", "", "Authentication: Default, Basic, NTLMDomain, Kerberos, NegoWithCreds, ClientCerts")
	flag.StringVar(&o.transport, "transport", "", "Transport: HTTP or HTTPS")
	flag.StringVar(&o.protocol, "protocol", "", "Protocol: WINRM or WMIDCOM")
	flag.StringVar(&o.locale, "locale", "", "UI locale, e.g. en-US")
	flag.DurationVar(&o.timeout, "timeout", 0, "Operation timeout")
	flag.IntVar(&o.port, "port", 0, "Port (default: 5985 for HTTP, 5986 for HTTPS)")
	flag.BoolVar(&o.insecure, "insecure", false, "Skip TLS certificate verification")
	flag.StringVar(&o.logLevel, "loglevel", "", "Log level: debug, info, warn, error")
	flag.StringVar(&o.logFile, "logfile", "", "Write logs to this file instead of stderr")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9182")
	flag.Parse()

	if o.query == "" && o.class == "" && o.watch == "" && !monikerNamesObject(o.moniker) {
		fmt.Fprintln(os.Stderr, "Error: one of -query, -class, -watch or an object -moniker is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func monikerNamesObject(m string) bool {
	if m == "" {
		return false
	}
	mk, err := wmi.ParseMoniker(strings.ReplaceAll(m, `\`, "/"))
	return err == nil && mk.Class != ""
}

func run(o options) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	profile, err := cfg.Profile(o.profile)
	if err != nil {
		return err
	}
	applyFlags(&profile, o)
	if err := profile.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log, o)
	if err != nil {
		return err
	}
	defer closeLog()
	// Drivers log through the default logger.
	slog.SetDefault(logger)

	if profile.User != "" && profile.Password == "" && profile.AuthType != mi.AuthTypeClientCerts {
		profile.Password = readPassword()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connOpts := append(profile.Options(), wmi.WithLogger(logger))
	addr := o.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		collector, err := metrics.NewCollector(&metrics.Config{Namespace: cfg.Metrics.Namespace})
		if err != nil {
			return err
		}
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				logger.Error("metrics endpoint failed", "addr", addr, "error", err)
			}
		}()
		connOpts = append(connOpts, wmi.WithObserver(collector))
	}

	moniker := o.moniker
	if moniker == "" {
		moniker = profile.Moniker()
	}
	logger.Debug("connecting", "moniker", moniker, "protocol", profile.Protocol)

	if monikerNamesObject(moniker) {
		obj, err := wmi.ConnectObject(ctx, moniker, connOpts...)
		if err != nil {
			return err
		}
		inst, _ := obj.(*wmi.Instance)
		if inst == nil {
			return errors.New("object not found")
		}
		defer func() { _ = inst.Close() }()
		if o.method != "" {
			return invoke(ctx, inst, o)
		}
		return printInstance(ctx, os.Stdout, inst, o.serialize)
	}

	conn, err := wmi.Connect(ctx, moniker, connOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	switch {
	case o.query != "":
		results, err := conn.Query(ctx, o.query, nil)
		if err != nil {
			return err
		}
		for _, inst := range results {
			if err := printInstance(ctx, os.Stdout, inst, o.serialize); err != nil {
				return err
			}
		}
		logger.Info("query complete", "results", len(results))
		return nil
	case o.watch != "":
		return watch(ctx, conn, o, logger)
	case len(o.keys) > 0:
		inst, err := conn.Instance(ctx, o.class, o.keys)
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("no %s instance with key %s", o.class, o.keys)
		}
		if o.method != "" {
			return invoke(ctx, inst, o)
		}
		return printInstance(ctx, os.Stdout, inst, o.serialize)
	default:
		cls, err := conn.Class(ctx, o.class)
		if err != nil {
			return err
		}
		if o.method != "" {
			return invoke(ctx, cls, o)
		}
		fmt.Println(cls.String())
		return nil
	}
}

// applyFlags overrides profile fields with the flags given on the command
// line.
func applyFlags(p *config.Profile, o options) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "user":
			p.User = o.user
		case "pass":
			p.Password = o.pass
		case "auth":
			p.AuthType = o.auth
		case "transport":
			p.Transport = o.transport
		case "protocol":
			p.Protocol = o.protocol
		case "locale":
			p.Locale = o.locale
		case "timeout":
			p.Timeout = o.timeout
		case "port":
			p.Port = o.port
		case "insecure":
			p.InsecureSkipVerify = o.insecure
		}
	})
}

func newLogger(lc config.LogConfig, o options) (*slog.Logger, func(), error) {
	levelName := o.logLevel
	if levelName == "" {
		levelName = lc.Level
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}
	file := o.logFile
	if file == "" {
		file = lc.File
	}
	if file == "" {
		return ilog.NewLogger(os.Stderr, level, false), func() {}, nil
	}
	rf, err := ilog.NewRotatingFile(file, int64(lc.MaxSizeMB)<<20, lc.MaxBackups)
	if err != nil {
		return nil, nil, err
	}
	return ilog.NewLogger(rf, level, true), func() { _ = rf.Close() }, nil
}

type invoker interface {
	Invoke(ctx context.Context, name string, args ...any) ([]any, error)
}

func invoke(ctx context.Context, target invoker, o options) error {
	var args []any
	if len(o.args) > 0 {
		args = append(args, wmi.KW(o.args))
	}
	out, err := target.Invoke(ctx, o.method, args...)
	if err != nil {
		return err
	}
	for _, v := range out {
		if inst, ok := v.(*wmi.Instance); ok {
			if err := printInstance(ctx, os.Stdout, inst, o.serialize); err != nil {
				return err
			}
			continue
		}
		fmt.Println(v)
	}
	return nil
}

func watch(ctx context.Context, conn *wmi.Connection, o options, logger *slog.Logger) error {
	w, err := conn.WatchFor(ctx, o.watch)
	if err != nil {
		return err
	}
	defer w.Close()
	logger.Info("watching", "query", o.watch)

	for n := 0; o.watchCount == 0 || n < o.watchCount; n++ {
		ev, err := w.Wait(ctx, o.watchFor)
		switch {
		case errors.Is(err, wmi.ErrNoMoreEvents):
			logger.Info("subscription ended", "events", n, "error", err)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		if err := printInstance(ctx, os.Stdout, ev, o.serialize); err != nil {
			return err
		}
		if prev := ev.Previous(); prev != nil {
			fmt.Println("previous:")
			if err := printInstance(ctx, os.Stdout, prev, o.serialize); err != nil {
				return err
			}
		}
	}
	return nil
}

func printInstance(ctx context.Context, w io.Writer, inst *wmi.Instance, serialize bool) error {
	if !serialize {
		_, err := fmt.Fprintln(w, inst.String())
		return err
	}
	text, err := inst.GetText(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

// readPassword reads the password from the terminal without echo, or a
// line from piped input.
func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return ""
		}
		return string(b)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}
