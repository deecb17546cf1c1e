package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"fluxbus/internal/bus"
	"fluxbus/internal/config"
	"fluxbus/internal/store"
	"fluxbus/internal/stream"
	"fluxbus/internal/uplink"
	"fluxbus/internal/worker"

	"github.com/spf13/cobra"
)

// workerURL is the registry a client command talks to: --url, else
// worker.url, else the local server's worker endpoint.
func workerURL(cfg *config.Config, flag string) string {
	switch {
	case flag != "":
		return flag
	case cfg.Worker.URL != "":
		return cfg.Worker.URL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d%s", host, cfg.Server.Port, cfg.Server.WorkerPath)
}

func connectHandler(cfg *config.Config, url string) (*bus.Handler, error) {
	factory, err := worker.FromURL(url, workerOptions(cfg, nil))
	if err != nil {
		return nil, err
	}
	return bus.New(bus.Config{
		Factory:      factory,
		Logger:       logger,
		SpawnTimeout: time.Duration(cfg.Worker.SpawnTimeoutSeconds) * time.Second,
	}), nil
}

// parseValue reads a command-line value as JSON, or as a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func publishCmd() *cobra.Command {
	var (
		url  string
		hold bool
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> <value>...",
		Short: "Publish values under a topic",
		Long: `Publishes the values (JSON, or plain strings) under topic. Without --hold
the values form a one-shot stream that is delivered once somebody observes
the topic; the command waits for that. With --hold the last value is kept
for late observers until interrupted.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := connectHandler(cfg, workerURL(cfg, url))
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			values := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				values = append(values, parseValue(a))
			}

			var (
				src       stream.Stream
				delivered = make(chan struct{})
			)
			if hold {
				src = stream.NewLatest(values[len(values)-1])
			} else {
				src = stream.Finalize(stream.Of(values...), func() { close(delivered) })
			}

			confirm, err := h.Publish(args[0], src)
			if err != nil {
				return err
			}
			if _, err := stream.ToSlice(ctx, confirm); err != nil {
				return fmt.Errorf("publish %s: %w", args[0], err)
			}
			logger.Info("published", "topic", args[0], "values", len(values))

			select {
			case <-delivered:
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "worker url (default: worker.url or the local server)")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the latest value published until interrupted")
	return cmd
}

func observeCmd() *cobra.Command {
	var (
		url    string
		values bool
	)
	cmd := &cobra.Command{
		Use:   "observe <topic>",
		Short: "Print notifications published at or below a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h, err := connectHandler(cfg, workerURL(cfg, url))
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var s stream.Stream
			if values {
				s, err = h.Get(args[0])
			} else {
				s, err = h.Observe(args[0])
			}
			if err != nil {
				return err
			}

			failed := make(chan error, 1)
			enc := json.NewEncoder(cmd.OutOrStdout())
			sub := s.Subscribe(stream.Funcs{
				OnNext: func(v any) {
					if err := enc.Encode(v); err != nil {
						logger.Warn("cannot print notification", "err", err)
					}
				},
				OnError: func(err error) { failed <- err },
			})
			defer sub.Unsubscribe()

			select {
			case err := <-failed:
				return fmt.Errorf("observe %s: %w", args[0], err)
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "worker url (default: worker.url or the local server)")
	cmd.Flags().BoolVar(&values, "values", false, "print only values, as {topic, value}")
	return cmd
}

func statusCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status [prefix]",
		Short: "List the live topics of a registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			target := workerURL(cfg, url)
			h, err := connectHandler(cfg, target)
			if err != nil {
				return err
			}
			defer h.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Worker.CallTimeoutSeconds)*time.Second)
			defer cancel()
			topics, err := h.Topics(ctx, prefix)
			if err != nil {
				return fmt.Errorf("registry at %s: %w", target, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fluxbus %s\n", version)
			fmt.Fprintf(out, "registry: %s (%s)\n", target, h.State())
			fmt.Fprintf(out, "topics:   %d\n", len(topics))
			for _, t := range topics {
				fmt.Fprintf(out, "  %s\n", t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "worker url (default: worker.url or the local server)")
	return cmd
}

func uplinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uplink",
		Short: "Manage the uplinks restored by serve",
	}

	openStore := func() (*store.SQLiteStore, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(cfg.Store.DBPath, logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <topic> <url>",
		Short: "Mirror the socket at url under <topic>.socket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uplink.Open(args[1], uplink.Options{Logger: logger}); err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Add(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			logger.Info("uplink added; restart serve to open it", "topic", args[0]+".socket", "url", args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored uplinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			list, err := s.List(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tURL\tENABLED\tCREATED")
			for _, u := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", u.Topic, u.URL, u.Enabled, u.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	for _, enable := range []bool{true, false} {
		use, short := "enable <topic>", "Re-enable a stored uplink"
		if !enable {
			use, short = "disable <topic>", "Keep an uplink stored but do not open it"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := openStore()
				if err != nil {
					return err
				}
				defer s.Close()
				return s.SetEnabled(cmd.Context(), args[0], enable)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <topic>",
		Short: "Forget a stored uplink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Remove(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no uplink stored for %s", args[0])
				}
				return err
			}
			logger.Info("uplink removed", "topic", args[0])
			return nil
		},
	})

	return cmd
}
