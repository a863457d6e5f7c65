// Command flashboot drives the bootloader core against a simulated flash part
// and USB device layer.
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
	"golang.org/x/term"

	"github.com/ardnew/flashboot/pkg"
)

// CLI is the command line and configuration file schema.
type CLI struct {
	Config string `help:"Configuration file (.json, .yaml or .toml)" env:"FLASHBOOT_CONFIG" type:"path"`

	Log struct {
		Level  string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"FLASHBOOT_LOG_LEVEL"`
		Format string `help:"Log format" enum:"auto,text,json" default:"auto" env:"FLASHBOOT_LOG_FORMAT"`
	} `embed:"" prefix:"log."`

	Run        RunCmd        `cmd:"" help:"Program an image through the simulated bootloader"`
	BootOption BootOptionCmd `cmd:"" name:"boot-option" help:"Print or set the persisted boot option"`
}

func main() {
	jsonPaths, yamlPaths, tomlPaths := configCandidatePaths(findUserConfig(os.Args[1:]))

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("flashboot"),
		kong.Description("USB field-update bootloader simulator"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	setupLogging(cli.Log.Level, cli.Log.Format)
	ctx.Bind(pkg.DefaultLogger)
	ctx.FatalIfErrorf(ctx.Run())
}

// setupLogging configures the pkg logger. The auto format writes text to a
// terminal and JSON otherwise.
func setupLogging(level, format string) {
	pkg.SetLogLevel(pkg.ParseLevel(level))
	switch format {
	case "json":
		pkg.SetLogFormat(pkg.LogFormatJSON)
	case "text":
		pkg.SetLogFormat(pkg.LogFormatText)
	default:
		if term.IsTerminal(int(os.Stderr.Fd())) {
			pkg.SetLogFormat(pkg.LogFormatText)
		} else {
			pkg.SetLogFormat(pkg.LogFormatJSON)
		}
	}
	slog.SetDefault(pkg.DefaultLogger)
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("FLASHBOOT_CONFIG")
}

// configCandidatePaths routes the user's file to the loader matching its
// extension, followed by flashboot.* in the working directory.
func configCandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, userPath)
		case ".toml":
			tomlPaths = append(tomlPaths, userPath)
		default:
			jsonPaths = append(jsonPaths, userPath)
		}
	}

	wd, _ := os.Getwd()
	jsonPaths = append(jsonPaths, filepath.Join(wd, "flashboot.json"))
	yamlPaths = append(yamlPaths,
		filepath.Join(wd, "flashboot.yaml"),
		filepath.Join(wd, "flashboot.yml"))
	tomlPaths = append(tomlPaths, filepath.Join(wd, "flashboot.toml"))
	return jsonPaths, yamlPaths, tomlPaths
}
