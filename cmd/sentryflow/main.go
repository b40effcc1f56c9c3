package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/flowsentinel/sentryflow/internal/channels"
	"github.com/flowsentinel/sentryflow/internal/config"
	"github.com/flowsentinel/sentryflow/internal/evidence"
	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
	"github.com/flowsentinel/sentryflow/internal/input/zeek"
	"github.com/flowsentinel/sentryflow/internal/module"
	"github.com/flowsentinel/sentryflow/internal/profiler"
	"github.com/flowsentinel/sentryflow/internal/queue"
	"github.com/flowsentinel/sentryflow/internal/sink"
	"github.com/flowsentinel/sentryflow/internal/slog"
	"github.com/flowsentinel/sentryflow/internal/store/durable"
	"github.com/flowsentinel/sentryflow/internal/store/kv"
	"github.com/flowsentinel/sentryflow/internal/supervisor"
	"github.com/flowsentinel/sentryflow/internal/utils"
	"github.com/flowsentinel/sentryflow/pkg/version"

	// Remaining sub-parsers self-register with the input package via
	// init() and are otherwise unreferenced here.
	_ "github.com/flowsentinel/sentryflow/internal/input/binetflow"
	_ "github.com/flowsentinel/sentryflow/internal/input/nfdump"
	_ "github.com/flowsentinel/sentryflow/internal/input/pcap"
	_ "github.com/flowsentinel/sentryflow/internal/input/stdin"
	_ "github.com/flowsentinel/sentryflow/internal/input/suricata"
)

const appName = "sentryflow"

var (
	ver           = flag.Bool("version", false, "Print the version information and exit")
	confLoc       = flag.String("c", "", "Location for configuration file")
	inFile        = flag.String("f", "", "Input file path (binetflow/nfdump/suricata/pcap/zeek log or folder)")
	iface         = flag.String("I", "", "Live interface to read from (pcap kind)")
	kindOverride  = flag.String("k", "", "Input kind override: pcap, interface, zeek_folder, zeek_log_file, binetflow, nfdump, suricata, stdin")
	lineType      = flag.String("line-type", "", "Declared line_type for stdin input: zeek, suricata, argus")
	minFlowCount  = flag.Int("m", -1, "Minimum flow count")
	verbose       = flag.Int("v", 0, "Verbose level")
	debugLvl      = flag.Int("d", 0, "Debug level")
	windowWidth   = flag.Duration("w", 0, "Time window width")
	whitelistFile = flag.String("whitelist", "", "Whitelist file path")
	useCurses     = flag.Bool("curses", false, "Use curses-style interactive display (unsupported; reserved for CLI parity)")
	noLogFiles    = flag.Bool("no-logfiles", false, "Disable on-disk log files")
	outDir        = flag.String("o", ".", "Output directory")
	storePort     = flag.Int("P", 0, "Ephemeral store port override (0 keeps the in-memory store)")
	redisAddr     = flag.String("redis-addr", "", "Redis address for the ephemeral Shared Store; empty keeps the in-memory store unless -P is set")
)

func main() {
	debug.SetTraceback("all")
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	lg := slog.New(os.Stderr)
	lg.SetAppname(appName)

	cfg, err := config.Load(*confLoc)
	if err != nil {
		lg.FatalCode(1, "failed to load configuration", slog.KV("path", *confLoc), slog.KVErr(err))
	}
	cfg.Apply(config.CLIOverrides{
		MinFlowCount:    *minFlowCount,
		ConfigPath:      *confLoc,
		Verbose:         *verbose,
		Debug:           *debugLvl,
		TimeWindowWidth: *windowWidth,
		WhitelistFile:   *whitelistFile,
		InputFile:       *inFile,
		UseCurses:       *useCurses,
		NoLogFiles:      *noLogFiles,
		OutputDir:       *outDir,
		StorePort:       *storePort,
	})

	if err := lg.SetLevel(verbosityToLevel(cfg.Parameters.Verbose, cfg.Parameters.Debug)); err != nil {
		lg.Error("invalid log level", slog.KVErr(err))
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		lg.FatalCode(1, "failed to create output directory", slog.KV("path", *outDir), slog.KVErr(err))
	}

	var logFile *os.File
	if cfg.Parameters.Create_log_files {
		logFile, err = os.OpenFile(filepath.Join(*outDir, "output.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			lg.FatalCode(1, "failed to open log file", slog.KVErr(err))
		}
		if err := lg.AddWriter(logFile); err != nil {
			lg.FatalCode(1, "failed to add log writer", slog.KVErr(err))
		}
	}

	sup := supervisor.New(lg)

	store, storeCloser := buildKVStore(lg)
	defer storeCloser()

	metaDir := cfg.Parameters.Metadata_dir
	if !filepath.IsAbs(metaDir) {
		metaDir = filepath.Join(*outDir, metaDir)
	}
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		lg.FatalCode(1, "failed to create metadata directory", slog.KV("path", metaDir), slog.KVErr(err))
	}
	ddb, err := durable.Open(filepath.Join(metaDir, "store.db"), lg,
		durable.Table{Name: "profiles", Columns: []string{"host", "window", "data"}},
		durable.Table{Name: "evidence", Columns: []string{"host", "window", "detector", "data"}},
	)
	if err != nil {
		lg.FatalCode(1, "failed to open durable store", slog.KVErr(err))
	}
	defer ddb.Close()

	fabric := channels.New(store)

	alertsPath := filepath.Join(*outDir, "alerts.log")
	alertsFile, err := os.OpenFile(alertsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		lg.FatalCode(1, "failed to open alerts log", slog.KV("path", alertsPath), slog.KVErr(err))
	}
	defer alertsFile.Close()
	evWriter := evidence.NewWriter(alertsFile)
	defer evWriter.Close()

	errFile, err := os.OpenFile(filepath.Join(*outDir, "errors.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		lg.FatalCode(1, "failed to open error log", slog.KVErr(err))
	}
	defer errFile.Close()

	sk := sink.New(sink.Config{
		Console: os.Stdout,
		LogFile: logFile,
		ErrFile: errFile,
		Verbose: cfg.Parameters.Verbose,
		Debug:   cfg.Parameters.Debug,
	})
	defer sk.Close()
	if err := lg.AddRelay(sk); err != nil {
		lg.Error("failed to attach sink as log relay", slog.KVErr(err))
	}

	width := cfg.WindowWidth()
	direction := profiler.DirectionSrc
	if strings.EqualFold(cfg.Parameters.Direction, "all") {
		direction = profiler.DirectionAll
	}
	prof := profiler.New(profiler.Config{
		Width:     width,
		Direction: direction,
		Fabric:    fabric,
		Logger:    lg,
	})

	desc, err := buildDescriptor()
	if err != nil {
		lg.FatalCode(1, "invalid input configuration", slog.KVErr(err))
	}
	src, err := input.Build(desc)
	if err != nil {
		lg.FatalCode(1, "failed to build input source", slog.KV("kind", string(desc.Kind)), slog.KVErr(err))
	}

	startTime := time.Now().UTC()
	copyMetadataInputs(lg, metaDir, *confLoc, *whitelistFile, desc, cfg.Parameters.Store_a_copy_of_zeek_files)

	recQueue := queue.New[*flow.Record]("input_records", 4096, queue.BlockWithTimeout)
	defer recQueue.Close()
	errs := input.NewErrorCounter()

	inputStopped := make(chan struct{})
	sup.Spawn(supervisor.Worker{
		Name: "input",
		Run: func(ctx context.Context) {
			defer close(inputStopped)
			pump := make(chan *flow.Record, 256)
			done := make(chan error, 1)
			go func() { done <- src.Run(ctx, pump, errs) }()
		drain:
			for {
				select {
				case rec, ok := <-pump:
					if !ok {
						break drain
					}
					recQueue.Put(ctx, rec, time.Second)
				case err := <-done:
					if err != nil {
						lg.Error("input source exited with error", slog.KVErr(err))
					}
					break drain
				case <-ctx.Done():
					break drain
				}
			}
		},
		Stopped: inputStopped,
	})

	if cfg.Parameters.Delete_zeek_files && desc.Kind == input.KindZeekFolder {
		go func() {
			<-inputStopped
			if sup.Signaled() {
				// interrupted mid-read rather than finished naturally;
				// leave the source files in place.
				return
			}
			deleteZeekFiles(lg, desc.PathOrStream)
		}()
	}

	profilerStopped := make(chan struct{})
	sup.Spawn(supervisor.Worker{
		Name: "profiler",
		Run: func(ctx context.Context) {
			defer close(profilerStopped)
			for {
				rec, ok := recQueue.Get(ctx)
				if !ok {
					return
				}
				if err := prof.Fold(ctx, rec); err != nil {
					lg.Error("profiler fold failed", slog.KVErr(err))
				}
			}
		},
		Stopped: profilerStopped,
	})

	evidenceStopped := make(chan struct{})
	sup.Spawn(supervisor.Worker{
		Name: "evidence",
		Run: func(ctx context.Context) {
			defer close(evidenceStopped)
			msgs, cancel, err := store.Subscribe(ctx, channels.EvidenceAdded)
			if err != nil {
				lg.Error("evidence subscription failed", slog.KVErr(err))
				return
			}
			defer cancel()
			for {
				select {
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					var env channels.Envelope
					if err := json.Unmarshal(msg.Payload, &env); err != nil {
						continue
					}
					var ev evidence.Evidence
					if err := json.Unmarshal(env.Payload, &ev); err != nil {
						continue
					}
					if err := evWriter.Append(ev); err != nil {
						lg.Error("failed to append evidence", slog.KVErr(err))
					}
				case <-ctx.Done():
					return
				}
			}
		},
		Stopped: evidenceStopped,
	})

	// No detector modules are registered here: detection algorithms are
	// out of scope for this pipeline. The registry and module.Driver
	// exist so a future module only needs
	// module.RegisterSync(mod, fabric, sup, lg) (or RegisterAsync for a
	// coroutine-based module) plus registry.Add plus the Spawn call below.
	// cfg.Disabled(name) is checked here, before Spawn, so the
	// disable/disabled_detections config keys take effect the moment a
	// module is registered without that module needing to know about it.
	registry := module.NewRegistry()
	for _, d := range registry.Drivers() {
		if cfg.Disabled(d.Name()) {
			lg.Info("module disabled by config, not starting", slog.KV("module", d.Name()))
			continue
		}
		sup.Spawn(supervisor.Worker{Name: d.Name(), Run: d.Run, Stopped: d.Stopped()})
	}

	lg.Info("sentryflow running", slog.KV("input_kind", string(desc.Kind)), slog.KV("window_width", width.String()))

	sig := utils.WaitForQuit()
	lg.Info("received signal, shutting down", slog.KV("signal", sig.String()))

	failed := sup.Shutdown(5 * time.Second)
	lg.Info("shutdown complete",
		slog.KV("profiles", prof.ProfileCount()),
		slog.KV("window_flows", prof.TotalWindowFlows()),
		slog.KV("parse_errors", errs.Count()),
		slog.KV("failed_workers", strings.Join(failed, ",")))

	if err := writeInfoFile(metaDir, startTime, desc, prof.ProfileCount()); err != nil {
		lg.Error("failed to write metadata info file", slog.KVErr(err))
	}

	if len(failed) > 0 {
		os.Exit(1)
	}
}

// copyMetadataInputs snapshots the config file, whitelist file, and
// (when requested) the zeek log folder being read into metaDir, so a
// run's output directory is self-describing after the fact.
func copyMetadataInputs(lg *slog.Logger, metaDir, confPath, whitelistPath string, desc input.Descriptor, copyZeekFiles bool) {
	if confPath != "" {
		if err := copyFile(confPath, filepath.Join(metaDir, filepath.Base(confPath))); err != nil {
			lg.Error("failed to copy config into metadata dir", slog.KVErr(err))
		}
	}
	if whitelistPath != "" {
		if err := copyFile(whitelistPath, filepath.Join(metaDir, filepath.Base(whitelistPath))); err != nil {
			lg.Error("failed to copy whitelist into metadata dir", slog.KVErr(err))
		}
	}
	if copyZeekFiles && desc.Kind == input.KindZeekFolder {
		if err := copyDir(desc.PathOrStream, filepath.Join(metaDir, "zeek_files")); err != nil {
			lg.Error("failed to copy zeek log files into metadata dir", slog.KVErr(err))
		}
	}
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o640)
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// deleteZeekFiles removes the accepted zeek logs from dir once the
// folder source has finished reading them, for deployments that treat
// the raw logs as disposable after flows have been extracted.
func deleteZeekFiles(lg *slog.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		lg.Error("failed to list zeek log directory for cleanup", slog.KVErr(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !zeek.AcceptedLogs[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			lg.Error("failed to delete zeek log file", slog.KV("file", e.Name()), slog.KVErr(err))
		}
	}
}

// writeInfoFile writes metadata/info.txt summarizing this run: start
// time, the input source, and the final profile count.
func writeInfoFile(metaDir string, startTime time.Time, desc input.Descriptor, profileCount int) error {
	f, err := os.OpenFile(filepath.Join(metaDir, "info.txt"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "start_time: %s\ninput_kind: %s\ninput_source: %s\nprofile_count: %d\n",
		startTime.Format(time.RFC3339), desc.Kind, desc.PathOrStream, profileCount)
	return err
}

func buildKVStore(lg *slog.Logger) (kv.Store, func()) {
	addr := *redisAddr
	if addr == "" && *storePort != 0 {
		addr = fmt.Sprintf("127.0.0.1:%d", *storePort)
	}
	if addr == "" {
		return kv.NewMemStore(), func() {}
	}
	rs, err := kv.NewRedisStore(addr, 0)
	if err != nil {
		lg.FatalCode(1, "failed to connect to redis", slog.KV("addr", addr), slog.KVErr(err))
	}
	return rs, func() { rs.Close() }
}

func buildDescriptor() (input.Descriptor, error) {
	kind := input.Kind(*kindOverride)
	if kind == "" {
		kind = inferKind()
	}
	path := *inFile
	if kind == input.KindInterface {
		path = *iface
	}
	if kind == input.KindStdin {
		path = *lineType
	}
	if path == "" && kind != input.KindStdin {
		return input.Descriptor{}, fmt.Errorf("no input path given for kind %q", kind)
	}
	return input.Descriptor{Kind: kind, PathOrStream: path}, nil
}

func inferKind() input.Kind {
	if *iface != "" {
		return input.KindInterface
	}
	if *inFile == "" {
		return input.KindStdin
	}
	info, err := os.Stat(*inFile)
	if err == nil && info.IsDir() {
		return input.KindZeekFolder
	}
	switch strings.ToLower(filepath.Ext(*inFile)) {
	case ".pcap", ".pcapng":
		return input.KindPcap
	case ".log":
		return input.KindZeekFile
	case ".json":
		return input.KindSuricata
	}
	return input.KindBinetflow
}

func verbosityToLevel(verbose, debugN int) slog.Level {
	if debugN > 0 {
		return slog.DEBUG
	}
	switch {
	case verbose >= 3:
		return slog.DEBUG
	case verbose == 2:
		return slog.INFO
	case verbose == 1:
		return slog.WARN
	default:
		return slog.ERROR
	}
}
