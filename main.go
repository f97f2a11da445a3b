package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gregLibert/card-edge/internal/config"
	"github.com/gregLibert/card-edge/pkg/iso7816"
	"github.com/gregLibert/card-edge/pkg/pcsc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command shares once the root flags are parsed.
type app struct {
	configPath string
	verbose    bool
	logFile    string
	reader     string
	index      int

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	return newRoot(&app{})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "card-edge",
		Short:        "Exercise smart card applications through PC/SC",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log every APDU exchange to stderr")
	flags.StringVar(&a.logFile, "log-file", "", "write JSON logs to this file, rotated")
	flags.StringVarP(&a.reader, "reader", "r", "", "reader name or substring, overrides the configuration")
	flags.IntVarP(&a.index, "index", "i", -1, "reader index, overrides the configuration")

	root.AddCommand(
		newReadersCmd(a),
		newDiscoverCmd(a),
		newGetDataCmd(a),
		newVerifyPINCmd(a),
		newSecureChannelCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	logger, err := buildLogger(a.verbose, a.logFile)
	if err != nil {
		return err
	}
	a.logger = logger

	if a.configPath == "" {
		a.cfg = config.Default()
	} else if a.cfg, err = config.Load(a.configPath); err != nil {
		return err
	}

	if cmd.Flags().Changed("reader") {
		a.cfg.Reader.Name = a.reader
		a.cfg.Reader.Index = nil
	}
	if cmd.Flags().Changed("index") {
		index := a.index
		a.cfg.Reader.Index = &index
	}
	return nil
}

// buildLogger combines a console core on stderr when verbose with a JSON core
// on a rotated file when path is set. Without either, logs are discarded.
func buildLogger(verbose bool, path string) (*zap.Logger, error) {
	var cores []zapcore.Core

	if verbose {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			zap.DebugLevel,
		))
	}

	if path != "" {
		if strings.HasSuffix(path, string(os.PathSeparator)) {
			return nil, fmt.Errorf("--log-file must name a file, got %q", path)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   path,
				MaxSize:    10,
				MaxBackups: 3,
				Compress:   true,
			}),
			zap.DebugLevel,
		))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

// session is one connected card with its client.
type session struct {
	card   *pcsc.Card
	client *iso7816.Client
}

func (a *app) connect() (*session, error) {
	opts := pcsc.Options{
		Name:      a.cfg.Reader.Name,
		Exclusive: a.cfg.Reader.Exclusive,
		Logger:    a.logger,
	}
	if a.cfg.Reader.Index != nil {
		opts.Index = *a.cfg.Reader.Index
	}
	if a.cfg.Transport.ExtendedLength {
		opts.MaxPayload = iso7816.MaxExtendedLc
	}

	card, err := pcsc.Connect(opts)
	if err != nil {
		return nil, err
	}

	clientOpts := []iso7816.Option{
		iso7816.WithLogger(a.logger),
		iso7816.WithExtendedLength(a.cfg.Transport.ExtendedLength),
	}
	if a.cfg.Transport.SegmentLimit > 0 {
		clientOpts = append(clientOpts, iso7816.WithSegmentLimit(a.cfg.Transport.SegmentLimit))
	}
	if a.cfg.Transport.MaxContinuations > 0 {
		clientOpts = append(clientOpts, iso7816.WithMaxContinuations(a.cfg.Transport.MaxContinuations))
	}

	return &session{card: card, client: iso7816.NewClient(card, clientOpts...)}, nil
}

func (s *session) close(logger *zap.Logger) {
	if err := s.card.Close(); err != nil {
		logger.Warn("closing card", zap.Error(err))
	}
}

func banner(cmd *cobra.Command, format string, args ...interface{}) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n=============================================")
	fmt.Fprintf(out, " "+format+"\n", args...)
	fmt.Fprintln(out, "=============================================")
}
