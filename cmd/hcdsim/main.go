// Command hcdsim runs the host stack against a simulated controller with a
// Bulk-Only disk plugged into its root port.
package main

import (
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
	"golang.org/x/term"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/pkg/prof"
)

// CLI is the root command.
type CLI struct {
	Globals `embed:""`

	Config string `help:"Configuration file (JSON, YAML or TOML)" type:"path" env:"HCDSIM_CONFIG"`

	Info   InfoCmd   `cmd:"" help:"Enumerate the disk and print what it reports"`
	Read   ReadCmd   `cmd:"" help:"Read blocks from the disk"`
	Write  WriteCmd  `cmd:"" help:"Write a file to the disk"`
	Bench  BenchCmd  `cmd:"" help:"Write, read back and verify a pattern"`
	Stress StressCmd `cmd:"" help:"Run concurrent readers against the disk"`
	Cfg    CfgCmd    `cmd:"" name:"config" help:"Configuration helpers"`
}

func main() {
	jsonPaths, yamlPaths, tomlPaths := configPaths(findUserConfig(os.Args[1:]))

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("hcdsim"),
		kong.Description("Drive a simulated USB disk through the channel-based transfer engine"),
		kong.UsageOnError(),
		// Flags and environment override configuration values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := pkg.SetupLogger(cli.Log.Level, cli.Log.File, logFormat(cli.Log.Format))
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	ctx.Bind(logger)
	ctx.Bind(&cli.Globals)

	var profiling *prof.Session
	if cli.Profile.Enabled() {
		if profiling, err = prof.Start(cli.Profile); err != nil {
			ctx.FatalIfErrorf(err)
		}
	}
	err = ctx.Run()
	if profiling != nil {
		if perr := profiling.Stop(); perr != nil {
			logger.Error("failed to write profiles", "error", perr)
		}
	}
	ctx.FatalIfErrorf(err)
}

// logFormat resolves "auto" to text on a terminal and JSON otherwise.
func logFormat(format string) pkg.LogFormat {
	switch format {
	case "json":
		return pkg.LogFormatJSON
	case "text":
		return pkg.LogFormatText
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return pkg.LogFormatText
	}
	return pkg.LogFormatJSON
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("HCDSIM_CONFIG")
}
