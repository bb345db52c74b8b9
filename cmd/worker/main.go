// Command worker runs the study-burst SMS nudge worker.
//
// Usage:
//
//	burstnudge poll
//	burstnudge run --study my-study --date 2024-01-05 --tag manual
//	burstnudge enqueue --study my-study --date 2024-01-05
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/sqs"
	"github.com/lalithlochan/burstnudge/internal/worker"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "burstnudge",
		Short:         "Study burst adherence SMS nudge worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(pollCmd())
	root.AddCommand(runCmd())
	root.AddCommand(enqueueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// requestFlags are shared by run and enqueue.
type requestFlags struct {
	study string
	date  string
	tag   string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.study, "study", "", "Study ID (required)")
	cmd.Flags().StringVar(&f.date, "date", "", "Target date YYYY-MM-DD (defaults to today, UTC)")
	cmd.Flags().StringVar(&f.tag, "tag", "", "Free-form run tag recorded in the worker log")
	_ = cmd.MarkFlagRequired("study")
}

func (f *requestFlags) request(now time.Time) (sqs.Request, error) {
	date := f.date
	if date == "" {
		date = now.UTC().Format(sqs.DateLayout)
	}
	d, err := sqs.ParseDate(date)
	if err != nil {
		return sqs.Request{}, err
	}
	return sqs.Request{StudyID: f.study, Date: d, Tag: f.tag}, nil
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Long-poll the request queue and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.consumer == nil {
				return errors.New("SQS_QUEUE_URL is required for poll")
			}

			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}

			var lock worker.RunLock
			if a.runLock != nil {
				lock = a.runLock
			}
			poller := worker.NewPoller(a.consumer, runner, lock, worker.PollerConfig{
				VisibilityTimeout: a.cfg.SQSVisibilityTimeout,
			}, a.logger)

			srv := a.adminServer()
			serverErrors := make(chan error, 1)
			go func() {
				a.logger.Info("admin server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErrors <- err
				}
			}()

			pollerDone := make(chan struct{})
			go func() {
				poller.Start(ctx)
				close(pollerDone)
			}()

			select {
			case err := <-serverErrors:
				stop()
				<-pollerDone
				return fmt.Errorf("admin server error: %w", err)
			case <-ctx.Done():
				a.logger.Info("shutdown signal received")
			}

			<-pollerDone

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			a.logger.Info("worker stopped gracefully")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single request in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			req, err := flags.request(time.Now())
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}

			result, err := runner.Run(ctx, req)
			if err != nil {
				return err
			}

			a.logger.Info("run finished",
				zap.String("run_id", result.RunID.String()),
				zap.Int("processed", result.Processed),
				zap.Int("notified", result.Notified),
				zap.Int("errors", result.Errors),
				zap.Bool("complete", result.Complete),
				zap.Duration("duration", result.Duration),
			)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func enqueueCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a request onto the worker queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			req, err := flags.request(time.Now())
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			producer, err := newProducer(ctx, cfg, logger)
			if err != nil {
				return err
			}

			msgID, err := producer.Enqueue(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (message %s)\n", worker.RunKey(req), msgID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
