package main

import (
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/encoding"
	"github.com/sharedcode/objectstore/factory"
	"github.com/sharedcode/objectstore/maintenance"
)

const usage = `usage: objectstore-admin [flags] <command> [args]

commands:
  init                      create the root entry and the agent register
  dump <address>            print one object
  list                      list all objects
  untrack-agent <address>   mark an agent for reclamation
  repair-fifo-refs          drop references to queues that no longer exist
  remove-queue <name>       delete an empty queue
  remove-store              delete the root entry and agent register of an unused store
  recreate-index            re-reference orphaned registers, agents and queues
  gc                        run the garbage collector until interrupted

flags:
`

func main() {
	var configFile, backend, dir string
	var verbose bool
	flag.StringVar(&configFile, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&backend, "backend", "", "Backend type, overrides the configuration: memory, directory, redis, cassandra or s3")
	flag.StringVar(&dir, "dir", "", "Store folder of the directory backend, overrides the configuration")
	flag.BoolVar(&verbose, "v", false, "Log at debug level, overrides OBJECTSTORE_LOG_LEVEL")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	objectstore.ConfigureLogging(os.Stderr, objectstore.JSONLog)
	if verbose {
		objectstore.SetLogLevel(log.LevelDebug)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts, err := objectstore.LoadOptions(configFile)
	if backend != "" {
		opts.Backend = objectstore.BackendType(backend)
	}
	if dir != "" {
		opts.Directory = dir
	}
	if backend != "" || dir != "" {
		err = opts.Validate()
	}
	if err != nil {
		log.Error(fmt.Sprintf("Failed to load options: %v", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := factory.OpenBackend(ctx, opts)
	if err != nil {
		log.Error(fmt.Sprintf("Failed to open backend: %v", err))
		os.Exit(1)
	}
	err = run(ctx, b, opts, flag.Arg(0), flag.Args()[1:])
	if cerr := b.Close(); cerr != nil {
		log.Warn("closing backend failed", "error", cerr.Error())
	}
	if err != nil {
		log.Error(err.Error(), "command", flag.Arg(0))
		os.Exit(1)
	}
}

func run(ctx context.Context, b objectstore.Backend, opts objectstore.Options, cmd string, args []string) error {
	needArg := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s takes exactly one argument", cmd)
		}
		return args[0], nil
	}
	switch cmd {
	case "init":
		addr, err := maintenance.InitializeStore(ctx, b)
		if err != nil {
			return err
		}
		fmt.Printf("store %s initialized, agent register %s\n", b.Params(), addr)
	case "dump":
		addr, err := needArg()
		if err != nil {
			return err
		}
		s, err := maintenance.DumpObject(ctx, b, addr)
		if err != nil {
			return err
		}
		fmt.Println(s)
	case "list":
		objs, err := maintenance.ListObjects(ctx, b)
		if err != nil {
			return err
		}
		ba, err := encoding.DumpMarshaler.Marshal(objs)
		if err != nil {
			return err
		}
		fmt.Println(string(ba))
	case "untrack-agent":
		addr, err := needArg()
		if err != nil {
			return err
		}
		return maintenance.UntrackAgent(ctx, b, addr)
	case "repair-fifo-refs":
		dropped, err := maintenance.RepairMissingFIFOReferences(ctx, b)
		if err != nil {
			return err
		}
		fmt.Printf("dropped %d queue reference(s): %v\n", len(dropped), dropped)
	case "remove-queue":
		name, err := needArg()
		if err != nil {
			return err
		}
		return maintenance.RemoveQueue(ctx, b, name)
	case "remove-store":
		return maintenance.RemoveStore(ctx, b)
	case "recreate-index":
		r, err := maintenance.RecreateMissingIndexes(ctx, b)
		if err != nil {
			return err
		}
		ba, err := encoding.DumpMarshaler.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Println(string(ba))
	case "gc":
		return runGC(ctx, b, opts)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// runGC registers a collector agent, heartbeats it and collects until ctx is done.
func runGC(ctx context.Context, b objectstore.Backend, opts objectstore.Options) error {
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = objectstore.DefaultAgentTimeout
	}
	agent := factory.NewAgent(b, "GarbageCollector", opts)
	if err := agent.InsertAndRegisterSelf(ctx, "garbage collector", opts.AgentTimeout); err != nil {
		return err
	}
	defer func() {
		if err := agent.RemoveAndUnregisterSelf(context.WithoutCancel(ctx)); err != nil {
			log.Warn("collector agent not unregistered", "agent", agent.Address(), "error", err.Error())
		}
	}()
	gc, err := factory.NewGarbageCollector(agent, opts)
	if err != nil {
		return err
	}
	tr := objectstore.NewTaskRunner(ctx, 2)
	tr.Go(func() error {
		agent.Heartbeat(tr.GetContext(), opts.AgentTimeout/4)
		return nil
	})
	tr.Go(func() error {
		log.Info("garbage collector started", "agent", agent.Address(), "interval", opts.GCInterval.String())
		gc.Run(tr.GetContext(), opts.GCInterval)
		return nil
	})
	return tr.Wait()
}
