// cloudmirror keeps a local mirror of an account's node graph in sync
// with the server.
//
// Sub-commands:
//
//	cloudmirror sync [flags]              Load the graph and follow the action-packet stream (default)
//	cloudmirror tree [flags]              Print the mirrored tree
//	cloudmirror classify <src>... <dst>   Show what moving sources to dst would do
//	cloudmirror config init [--force]     Write a commented default config file
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/config"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/models"
)

func main() {
	cmd, args := "sync", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "sync":
		err = cmdSync(args)
	case "tree":
		err = cmdTree(args)
	case "classify":
		err = cmdClassify(args)
	case "config":
		err = cmdConfig(args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags returns a flag set carrying the shared --config flag.
func flags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "config file (default: "+config.DefaultPath()+")")
	return fs, path
}

func setup(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging.Logger()); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdSync(args []string) error {
	fs, path := flags("sync")
	noStream := fs.Bool("once", false, "load the graph, save the cache and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(*path)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.load(ctx); err != nil {
		return err
	}
	if *noStream {
		return s.engine.SaveCache(ctx)
	}

	s.serveMetrics(cfg.Metrics.Addr)
	err = s.follow(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// The signal context is gone by now.
	if saveErr := s.engine.SaveCache(context.Background()); saveErr != nil {
		logging.Warn("final cache save failed", zap.Error(saveErr))
	}
	logging.Info("stopped", zap.Uint64("seq", s.engine.Seq()))
	return err
}

func cmdTree(args []string) error {
	fs, path := flags("tree")
	depth := fs.Int("depth", -1, "maximum depth to print (-1 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(*path)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.load(ctx); err != nil {
		return err
	}

	roots, err := s.engine.Roots(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		err := s.engine.Walk(ctx, root, func(n *models.Node, d int) {
			if *depth >= 0 && d > *depth {
				return
			}
			name := n.Name()
			if name == "" && n.Handle == models.ContactsRoot {
				name = "[contacts]"
			}
			fmt.Printf("%s%s  %s  (%s)\n", strings.Repeat("  ", d), n.Handle, name, n.Kind)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdClassify(args []string) error {
	fs, path := flags("classify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: cloudmirror classify <src>... <dst>")
	}
	cfg, err := setup(*path)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.load(ctx); err != nil {
		return err
	}

	sources := make([]models.Handle, len(rest)-1)
	for i, h := range rest[:len(rest)-1] {
		sources[i] = models.Handle(h)
	}
	op, err := s.engine.Classify(ctx, sources, models.Handle(rest[len(rest)-1]))
	if err != nil {
		return err
	}
	fmt.Println(op)
	return nil
}

func cmdConfig(args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return fmt.Errorf("usage: cloudmirror config init [--force] [--config path]")
	}
	fs, path := flags("config init")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	target := *path
	if target == "" {
		target = config.DefaultPath()
	}
	if err := config.WriteDefault(target, *force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", target)
	return nil
}
