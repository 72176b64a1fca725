// cmd/sweepcheck/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sweep-service/internal/config"
	"sweep-service/internal/driver/sweep"
	"sweep-service/internal/service"
	"sweep-service/internal/utils"
)

const (
	testSampleRate = "sample-rate"
	testScanning   = "scanning"
	testMotor      = "motor"
)

type options struct {
	address       string
	configPath    string
	tests         []string
	scans         int
	queueFor      time.Duration
	pollInterval  time.Duration
	settleTimeout time.Duration
	fromSpeeds    []int
	toSpeeds      []int
}

func main() {
	opts := options{}
	pflag.StringVarP(&opts.address, "address", "a", "", "device address (serial port or host:port); overrides config")
	pflag.StringVarP(&opts.configPath, "config", "c", "", "path to a config file")
	pflag.StringSliceVarP(&opts.tests, "tests", "t", []string{testSampleRate, testScanning, testMotor}, "tests to run")
	pflag.IntVar(&opts.scans, "scans", 10, "scans to read in the scanning test")
	pflag.DurationVar(&opts.queueFor, "queue-for", 10*time.Second, "time to let scans queue before stopping")
	pflag.DurationVar(&opts.pollInterval, "poll-interval", 500*time.Millisecond, "motor ready poll interval")
	pflag.DurationVar(&opts.settleTimeout, "settle-timeout", 30*time.Second, "maximum wait for the motor to settle")
	pflag.IntSliceVar(&opts.fromSpeeds, "from", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, "motor speeds to transition from")
	pflag.IntSliceVar(&opts.toSpeeds, "to", []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, "motor speeds to transition to")
	pflag.Parse()

	if opts.address == "" && pflag.NArg() > 0 {
		opts.address = pflag.Arg(0)
	}

	os.Exit(run(opts))
}

func run(opts options) int {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}
	if opts.address != "" {
		cfg.Device.Address = opts.address
	}
	if cfg.Device.Address == "" {
		fmt.Fprintln(os.Stderr, "Usage: sweepcheck [flags] <device>")
		pflag.PrintDefaults()
		return 2
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 2
	}
	defer utils.CloseLogger(logger)
	defer utils.LogPanic(logger)

	ctx := context.Background()

	logger.Info("Constructing sweep device", zap.String("address", cfg.Device.Address))
	session, err := sweep.Dial(ctx, service.SweepConfig(cfg.Device), logger)
	if err != nil {
		logger.Error("Failed to open device", zap.Error(err))
		return 1
	}
	defer session.Close()

	c := &checker{session: session, opts: opts, logger: logger}

	failed := 0
	for _, name := range opts.tests {
		var ok bool
		switch name {
		case testSampleRate:
			ok = c.report("sample rate test", c.sampleRates(ctx))
		case testScanning:
			ok = c.report("scanning test", c.scanning(ctx))
		case testMotor:
			ok = true
			for _, from := range opts.fromSpeeds {
				for _, to := range opts.toSpeeds {
					label := fmt.Sprintf("motor speed test %dHz to %dHz", from, to)
					ok = c.report(label, c.motorSpeeds(ctx, from, to)) && ok
				}
			}
		default:
			logger.Error("Unknown test", zap.String("test", name))
			ok = false
		}
		if !ok {
			failed++
		}
	}

	if failed > 0 {
		logger.Error("Device check failed", zap.Int("failed_tests", failed))
		return 1
	}
	logger.Info("Device check passed")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Defaults()
}

type checker struct {
	session *sweep.Session
	opts    options
	logger  *zap.Logger
}

func (c *checker) report(name string, err error) bool {
	if err != nil {
		c.logger.Error("Failed", zap.String("test", name), zap.Error(err))
		return false
	}
	c.logger.Info("Passed", zap.String("test", name))
	return true
}

func (c *checker) sampleRates(ctx context.Context) error {
	op := utils.NewOperationLogger(c.logger, testSampleRate, c.session.SessionID())
	op.Start()

	for _, rate := range []int{500, 750, 1000} {
		op.Progress("Setting sample rate", zap.Int("hz", rate))
		if err := c.session.SetSampleRate(ctx, rate); err != nil {
			op.Error(err)
			return err
		}
		got, err := c.session.GetSampleRate(ctx)
		if err != nil {
			op.Error(err)
			return err
		}
		op.Progress("Confirmed sample rate", zap.Int("hz", got))
		if got != rate {
			err := fmt.Errorf("sample rate is %dHz, want %dHz", got, rate)
			op.Error(err)
			return err
		}
	}

	if err := c.resetDefaults(ctx); err != nil {
		op.Error(err)
		return err
	}
	op.Success()
	return nil
}

func (c *checker) scanning(ctx context.Context) error {
	op := utils.NewOperationLogger(c.logger, testScanning, c.session.SessionID())
	op.Start()

	op.Progress("Initiating scanning, will commence after stabilization and calibration")
	if err := c.session.StartScanning(ctx); err != nil {
		op.Error(err)
		return err
	}

	for n := 0; n < c.opts.scans; n++ {
		scan, err := c.session.GetScan(ctx)
		if err != nil {
			op.Error(err)
			return err
		}
		op.Progress("Scan received",
			zap.Int("n", n),
			zap.Uint64("sequence", scan.Sequence),
			zap.Int("samples", len(scan.Samples)),
		)
	}

	op.Progress("Allowing scans to queue up", zap.Duration("duration", c.opts.queueFor))
	time.Sleep(c.opts.queueFor)

	op.Progress("Stopping scanning", zap.Int("queued", c.session.QueueStats().Length))
	if err := c.session.StopScanning(ctx); err != nil {
		op.Error(err)
		return err
	}
	op.Success()
	return nil
}

func (c *checker) motorSpeeds(ctx context.Context, from, to int) error {
	op := utils.NewOperationLogger(c.logger, testMotor, c.session.SessionID())
	op.Start(zap.Int("from_hz", from), zap.Int("to_hz", to))

	start := time.Now()
	if err := c.session.SetMotorSpeed(ctx, from); err != nil {
		op.Error(err)
		return err
	}
	if err := c.waitMotorReady(ctx); err != nil {
		op.Error(err)
		return err
	}
	op.Progress("Motor settled", zap.Int("hz", from), zap.Duration("took", time.Since(start)))

	start = time.Now()
	if err := c.session.SetMotorSpeed(ctx, to); err != nil {
		op.Error(err)
		return err
	}
	if err := c.session.StartScanning(ctx); err != nil {
		op.Error(err)
		return err
	}
	op.Progress("Adjusted and started scanning", zap.Int("hz", to), zap.Duration("took", time.Since(start)))

	if err := c.session.StopScanning(ctx); err != nil {
		op.Error(err)
		return err
	}
	op.Success()
	return nil
}

func (c *checker) resetDefaults(ctx context.Context) error {
	if err := c.session.SetSampleRate(ctx, 500); err != nil {
		return fmt.Errorf("failed to reset sample rate: %w", err)
	}
	if err := c.session.SetMotorSpeed(ctx, 5); err != nil {
		return fmt.Errorf("failed to reset motor speed: %w", err)
	}
	return nil
}

// waitMotorReady polls at the harness's own interval, independent of the
// session's internal readiness monitor.
func (c *checker) waitMotorReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.settleTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := c.session.GetMotorReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("motor did not settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
