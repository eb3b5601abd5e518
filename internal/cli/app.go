package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/config"
	"github.com/snakepit-dev/snakepit/internal/environment"
	"github.com/snakepit-dev/snakepit/internal/installer"
	"github.com/snakepit-dev/snakepit/internal/logging"
	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/snakepit-dev/snakepit/internal/paths"
	"github.com/snakepit-dev/snakepit/internal/proxy"
	"github.com/snakepit-dev/snakepit/internal/remover"
	"github.com/snakepit-dev/snakepit/internal/resolver"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// app is the per-invocation wiring shared by the commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	env    *environment.Environment
	reader *manifest.Reader

	out    io.Writer
	errOut io.Writer
	in     io.Reader
}

func newApp(cmd *cobra.Command) (*app, error) {
	home, err := paths.Home(homeFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home, configFlag)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		Verbose: verbose,
		Quiet:   quiet,
		JSON:    jsonLog,
		Out:     cmd.ErrOrStderr(),
	})

	env, err := environment.Open(cfg.EnvDir)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		env:    env,
		reader: manifest.NewReader(env, manifest.MarkerEnvFor(cfg.Runtime.Version, cfg.Pip.Platform), logger),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		in:     cmd.InOrStdin(),
	}, nil
}

func (a *app) resolver() *resolver.Resolver {
	return resolver.New(a.reader)
}

func (a *app) remover() *remover.Remover {
	return remover.New(a.env, a.reader, a.logger)
}

// pip returns the installer and a function stopping its egress guard. With
// pip.allowed_hosts set, pip only reaches those hosts.
func (a *app) pip() (*installer.Pip, func(), error) {
	guard, err := proxy.Start(proxy.Config{
		AllowedHosts: a.cfg.Pip.AllowedHosts,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if guard != nil {
		a.logf("Routing pip through egress guard at %s", guard.Addr())
	}

	var stdout io.Writer = a.out
	if quiet {
		stdout = io.Discard
	}

	p := &installer.Pip{
		Python:   a.cfg.Pip.Python,
		Env:      a.env,
		Platform: a.cfg.Pip.Platform,
		IndexURL: a.cfg.Pip.IndexURL,
		ExtraEnv: guard.EnvVars(),
		Stdout:   stdout,
		Stderr:   a.errOut,
		Logger:   a.logger,
	}
	stop := func() {
		if guard == nil {
			return
		}
		allowed, blocked := guard.Stats()
		if blocked > 0 {
			a.logger.Warn().Int64("blocked", blocked).Int64("allowed", allowed).Msg("egress guard refused requests")
		}
		if err := guard.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("stopping egress guard")
		}
	}
	return p, stop, nil
}

// install runs pip for specs, announcing them first.
func (a *app) install(ctx context.Context, specs []string) error {
	p, stop, err := a.pip()
	if err != nil {
		return err
	}
	defer stop()

	a.printf("● Installing %s\n", installer.FormatSpecs(specs))
	return p.Install(ctx, specs)
}

func (a *app) depsInstaller(inst installer.Installer) *installer.DepsInstaller {
	var out io.Writer = a.out
	if quiet {
		out = nil
	}
	return &installer.DepsInstaller{
		Resolver:  a.resolver(),
		Installer: inst,
		Out:       out,
	}
}

// printf writes user-facing output unless --quiet.
func (a *app) printf(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(a.out, format, args...)
	}
}

// logf writes a progress line to stderr with --verbose.
func (a *app) logf(format string, args ...any) {
	if verbose {
		fmt.Fprintf(a.errOut, "[snakepit] "+format+"\n", args...)
	}
}

// confirm asks prompt on out and reads one answer line from in. Only "y"
// and "yes" confirm; anything else, including no input, declines.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// writeYAML encodes v to w with two-space indentation.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// checkFormat validates an -o value.
func checkFormat(format string) error {
	switch format {
	case "", "text", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or yaml)", format)
	}
}

// splitCSV splits a comma-separated string into a slice, trimming whitespace.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
