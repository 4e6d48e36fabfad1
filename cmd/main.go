package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/micrec/audio"
	"github.com/richinsley/micrec/encoder"
	"github.com/richinsley/micrec/logging"
	"github.com/richinsley/micrec/metrics"
	"github.com/richinsley/micrec/options"
	"github.com/richinsley/micrec/recorder"
)

var (
	cfgFile     string
	outputFile  string
	duration    time.Duration
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "micrec",
	Short: "Record the microphone to MP3",
	Long: `micrec captures mono audio from a microphone, an ffmpeg capture device
or a WAV file and encodes it to MP3.

Every option can also be set in a YAML config file (--config) or through
MICREC_* environment variables, e.g. MICREC_BIT_RATE=192.`,
	SilenceUsage: true,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until --duration elapses, the input ends, or SIGINT",
	RunE:  runRecord,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE:  runDevices,
}

// flagKeys maps record flags onto option keys.
var flagKeys = map[string]string{
	"sample-rate": "sample_rate",
	"bit-rate":    "bit_rate",
	"start-delay": "start_delay_ms",
	"device":      "device",
	"defer":       "defer_encoding",
	"backend":     "backend",
	"input":       "input_file",
	"ffmpeg":      "ffmpeg_path",
	"real-time":   "real_time",
	"log-level":   "log_level",
	"log-file":    "log_file",
}

func init() {
	d := options.Defaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	f := recordCmd.Flags()
	f.StringVarP(&outputFile, "output", "o", "recording.mp3", "output MP3 file")
	f.DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	f.Int("sample-rate", d.SampleRate, "capture sample rate in Hz (0 uses the device default)")
	f.Int("bit-rate", d.BitRate, "MP3 bit rate in kbps")
	f.Int("start-delay", d.StartDelayMs, "milliseconds of audio discarded after capture starts")
	f.String("device", d.Device, "input device (substring of the name for portaudio, ffmpeg input name otherwise)")
	f.Bool("defer", d.DeferEncoding, "store raw audio while recording and encode when the result is requested")
	f.String("backend", d.Backend, "capture backend: portaudio, ffmpeg or wav")
	f.String("input", d.InputFile, "WAV file to read with --backend wav")
	f.String("ffmpeg", d.FFmpegPath, "path to the ffmpeg executable")
	f.Bool("real-time", d.RealTime, "pace WAV input at its sample rate")
	f.String("log-level", d.LogLevel, "log level: trace, debug, info, warn or error")
	f.String("log-file", d.LogFile, "also write JSON logs to this rotated file")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
}

func loadOptions(cmd *cobra.Command) (options.Options, error) {
	v := viper.New()
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return options.Options{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return options.Load(v, cfgFile)
}

func runRecord(cmd *cobra.Command, _ []string) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:   opts.LogLevel,
		File:    opts.LogFile,
		Console: true,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	source, err := audio.NewSource(opts, logger)
	if err != nil {
		return err
	}
	if mic, ok := source.(*audio.Microphone); ok {
		defer mic.Terminate()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ctrl := recorder.NewController(opts, source, encoder.NewMP3Factory(opts.FFmpegPath, logger),
		recorder.WithLogger(logger),
		recorder.WithMetrics(metrics.New(reg)),
	)
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	recCtx, done := context.WithCancel(gctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-recCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer done()
		return record(recCtx, stop, ctrl, logger)
	})
	return g.Wait()
}

// record runs one session and writes the result to outputFile. release is
// called once capture has ended so a second interrupt terminates the process.
func record(ctx context.Context, release context.CancelFunc, ctrl *recorder.Controller, logger zerolog.Logger) error {
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted, finishing recording")
	case <-timeout:
	case <-ctrl.SourceDone():
		logger.Info().Msg("input exhausted")
	}

	if err := ctrl.Stop(); err != nil {
		if ctrl.State() != recorder.StateStopped {
			return err
		}
		logger.Warn().Err(err).Msg("capture did not shut down cleanly")
	}
	release()

	// encoding may outlive the signal context
	if err := ctrl.Deliver(context.WithoutCancel(ctx), recorder.FileConsumer{Path: outputFile}); err != nil {
		if errors.Is(err, recorder.ErrEmptyResult) {
			logger.Warn().Msg("nothing was recorded")
			return nil
		}
		return err
	}
	logger.Info().Str("file", outputFile).Msg("recording saved")
	return nil
}

func runDevices(cmd *cobra.Command, _ []string) error {
	devices, err := audio.ListDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEFAULT\tNAME\tHOST API\tCHANNELS\tRATE")
	for _, d := range devices {
		mark := ""
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\n", mark, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
