// Package commands implements the computectl command tree.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/compute"
)

// Version is the computectl release.
var Version = "0.1.0"

// app holds the state shared by the subcommands of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the computectl command tree with its own
// configuration.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "computectl",
		Short: "Run WGSL compute kernels",
		Long: `computectl compiles WGSL compute programs and dispatches them on a
CPU or GPU device.

Storage buffers are created and filled automatically, scalar uniforms are
set with --set and every read_write buffer is printed after the dispatch.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.computectl/computectl.yaml)")
	f.String("device", "automatic", "device type: automatic, cpu, vulkan or null")
	f.Bool("interop", false, "enable external tensor interop")
	f.Bool("debug-layers", false, "enable backend validation")
	f.StringSlice("include", nil, "program search directories")
	f.String("shader-model", "", "shader model: core or extended")
	f.Int("workers", 0, "CPU device workers (0 means GOMAXPROCS)")
	f.String("log-level", "warn", "log level: debug, info, warn or error")
	f.String("locale", "en", "locale used to format numbers")
	for _, name := range []string{"device", "interop", "debug-layers", "include", "shader-model", "workers", "log-level", "locale"} {
		if err := a.v.BindPFlag(name, f.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newDeviceCommand(a), newRunCommand(a), newVersionCommand())
	return root
}

// initConfig reads the config file and environment, then installs the
// logger.
func (a *app) initConfig(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(filepath.Join(home, ".computectl"))
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigName("computectl")
		a.v.SetConfigType("yaml")
	}
	a.v.SetEnvPrefix("COMPUTE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	compute.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	if used := a.v.ConfigFileUsed(); used != "" {
		compute.Logger().Debug("using config file", "path", used)
	}
	return nil
}

func (a *app) deviceConfig() (compute.DeviceConfig, error) {
	typ, err := compute.ParseDeviceType(a.v.GetString("device"))
	if err != nil {
		return compute.DeviceConfig{}, err
	}
	model, err := compute.ParseShaderModel(a.v.GetString("shader-model"))
	if err != nil {
		return compute.DeviceConfig{}, err
	}
	return compute.DeviceConfig{
		Type:              typ,
		EnableInterop:     a.v.GetBool("interop"),
		EnableDebugLayers: a.v.GetBool("debug-layers"),
		IncludePaths:      a.v.GetStringSlice("include"),
		ShaderModel:       model,
		Workers:           a.v.GetInt("workers"),
	}, nil
}

func (a *app) openDevice() (*compute.Device, error) {
	cfg, err := a.deviceConfig()
	if err != nil {
		return nil, err
	}
	return compute.NewDevice(cfg)
}

func (a *app) printer() *message.Printer {
	tag, err := language.Parse(a.v.GetString("locale"))
	if err != nil {
		tag = language.English
	}
	return message.NewPrinter(tag)
}
