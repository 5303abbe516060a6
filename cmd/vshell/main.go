package main

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Chamoswor/virtualshell/bulk"
	"github.com/Chamoswor/virtualshell/shell"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "vshell",
		Usage: "run commands through a long-lived embedded interpreter",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Interpreter adapter to use. One of [pwsh,sh].",
				Value: "pwsh",
			},
			&cli.StringFlag{
				Name:  "interpreter",
				Usage: "Path to the interpreter executable (default: the adapter's).",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.StringFlag{
				Name:  "wd",
				Usage: "Working directory for the interpreter.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Extra environment variables as KEY=VALUE. Repeatable.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Default per-command timeout.",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "auto-restart",
				Usage: "Restart the interpreter after a command timeout.",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute the given command and print its output",
				ArgsUsage: "<command...>",
				Action:    runAction,
			},
			{
				Name:   "repl",
				Usage:  "read commands from stdin, one per line, and print results",
				Action: replAction,
			},
			{
				Name:  "bulk",
				Usage: "round-trip a payload through a shared-memory channel as a self-test",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "name",
						Usage: "Channel name (default: a fresh random name).",
					},
					&cli.Uint64Flag{
						Name:  "frame-bytes",
						Usage: "Per-direction frame capacity.",
						Value: 1 << 20,
					},
					&cli.Uint64Flag{
						Name:  "payload-bytes",
						Usage: "Size of the test payload.",
						Value: 64 * 1024,
					},
				},
				Action: bulkAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildShell(ctx *cli.Context) (*shell.Shell, error) {
	cfg := shell.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = shell.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if v := ctx.String("interpreter"); v != "" {
		cfg.InterpreterPath = v
	}
	if v := ctx.String("wd"); v != "" {
		cfg.WorkingDir = v
	}
	if ctx.IsSet("timeout") {
		cfg.DefaultTimeout = ctx.Duration("timeout")
	}
	if ctx.IsSet("auto-restart") {
		cfg.AutoRestartOnTimeout = ctx.Bool("auto-restart")
	}
	if env := ctx.StringSlice("env"); len(env) > 0 {
		if cfg.Environment == nil {
			cfg.Environment = map[string]string{}
		}
		for _, kv := range env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed env entry %q", kv)
			}
			cfg.Environment[k] = v
		}
	}

	var adapter shell.Adapter
	switch name := ctx.String("adapter"); name {
	case "pwsh":
		adapter = shell.PowerShell{}
	case "sh":
		adapter = shell.POSIXShell{}
	default:
		return nil, fmt.Errorf("unsupported adapter %q", name)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	level := zapcore.InfoLevel
	if ctx.Bool("debug") {
		level = zapcore.DebugLevel
	}

	return shell.New(
		shell.WithConfig(cfg),
		shell.WithAdapter(adapter),
		shell.WithLogger(logger),
		shell.WithLogLevel(level),
	), nil
}

func runAction(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("no command given")
	}
	sh, err := buildShell(ctx)
	if err != nil {
		return err
	}
	if err := sh.Start(); err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer sh.Stop(true)

	res := sh.Execute(strings.Join(ctx.Args().Slice(), " "), 0)
	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if !res.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func replAction(ctx *cli.Context) error {
	sh, err := buildShell(ctx)
	if err != nil {
		return err
	}
	if err := sh.Start(); err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer sh.Stop(true)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			break
		}
		res := sh.Execute(line, 0)
		fmt.Print(res.Stdout)
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
		fmt.Printf("[exit=%d in %s]\n", res.ExitCode, res.ExecutionTime.Round(time.Millisecond))
	}
	return scanner.Err()
}

func bulkAction(ctx *cli.Context) error {
	name := ctx.String("name")
	if name == "" {
		name = "vshell-" + uuid.NewString()
	}
	frameBytes := ctx.Uint64("frame-bytes")
	payloadBytes := ctx.Uint64("payload-bytes")

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	writer, err := bulk.Open(name, frameBytes, bulk.WithLogger(logger), bulk.WithNamespaceFallback(true))
	if err != nil {
		return fmt.Errorf("opening writer channel: %w", err)
	}
	defer func() {
		writer.Close()
		writer.Unlink()
	}()
	reader, err := bulk.Open(name, frameBytes, bulk.WithLogger(logger), bulk.WithNamespaceFallback(true))
	if err != nil {
		return fmt.Errorf("opening reader channel: %w", err)
	}
	defer reader.Close()

	payload := make([]byte, payloadBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	if payloadBytes <= frameBytes {
		seq, st := writer.Write(bulk.HostToShell, payload, 5*time.Second)
		if st != bulk.StatusOK {
			return fmt.Errorf("write failed: %s", st)
		}
		dst := make([]byte, payloadBytes)
		n, st := reader.Read(bulk.HostToShell, dst, 5*time.Second)
		if st != bulk.StatusOK {
			return fmt.Errorf("read failed: %s", st)
		}
		if !bytes.Equal(dst[:n], payload) {
			return fmt.Errorf("round-trip mismatch")
		}
		fmt.Printf("ok: %d bytes, seq=%d, %s\n", n, seq, time.Since(start).Round(time.Microsecond))
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		got, st := reader.ReadChunked(bulk.HostToShell, 5*time.Second)
		if st != bulk.StatusOK {
			errCh <- fmt.Errorf("chunked read failed: %s", st)
			return
		}
		if !bytes.Equal(got, payload) {
			errCh <- fmt.Errorf("chunked round-trip mismatch")
			return
		}
		errCh <- nil
	}()
	if st := writer.WriteChunked(bulk.HostToShell, payload, frameBytes, 5*time.Second); st != bulk.StatusOK {
		return fmt.Errorf("chunked write failed: %s", st)
	}
	if err := <-errCh; err != nil {
		return err
	}
	fmt.Printf("ok: %d bytes chunked, %s\n", payloadBytes, time.Since(start).Round(time.Microsecond))
	return nil
}
