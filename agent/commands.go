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

	"github.com/haasonsaas/bitmesh/pkg/config"
	"github.com/haasonsaas/bitmesh/pkg/health"
	"github.com/haasonsaas/bitmesh/pkg/journal"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service",
		Short: "Run the device until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.build(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			log.Info().Str("version", Version).Str("device_id", a.deviceID).Msg("BitNet device starting")
			if err := rt.dev.Run(ctx); err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			log.Info().Msg("Received interrupt signal, service stopped")
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var msgType string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Publish one message to the shared topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			rt, err := a.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if err := rt.dev.Start(cmd.Context()); err != nil {
				return err
			}
			defer rt.dev.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Bus.ConnectTimeout)*time.Second)
			defer cancel()
			if err := rt.dev.WaitConnected(ctx); err != nil {
				return err
			}

			m, err := rt.dev.SendManual(args[0], msgType)
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s message %s\n", m.Type, m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "manual", "Message type")
	return cmd
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <prompt>",
		Short: "Run one BitNet inference and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			if err := a.engine.Available(); err != nil {
				return err
			}
			out, err := a.engine.Generate(cmd.Context(), args[0], a.inferenceParams())
			if err != nil {
				return fmt.Errorf("failed to generate response: %w", err)
			}
			fmt.Println("Response:")
			fmt.Println(out)
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check BitNet setup, certificates, and service reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			report := health.NewChecker(15*time.Second).Run(cmd.Context(),
				health.InferenceCheck(a.engine),
				health.CertificateCheck(a.store, a.store.Paths(a.deviceID)),
				health.EnrollmentCheck(cfg.Enrollment.URL, nil),
				health.BrokerCheck(cfg.Bus.Broker, cfg.Bus.Port),
			)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Validating device %s\n\n", a.deviceID)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, c := range report.Checks {
					mark, detail := "✓", c.Detail
					if !c.OK {
						mark, detail = "✗", c.Error
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", mark, c.Name, detail)
				}
				w.Flush()
			}
			if !report.Healthy {
				return errors.New("validation failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func registerCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the device and store its certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Registering device %s...\n", a.deviceID)

			ensure := a.identityProvider().EnsureCertificates
			if force {
				ensure = a.identity.Enroll
			}
			id, paths, err := ensure(cmd.Context())
			if err != nil {
				return fmt.Errorf("device registration failed: %w", err)
			}
			fmt.Println("✓ Device registration and certificate setup completed")
			fmt.Printf("  Client name: %s\n", id.ClientName)
			fmt.Printf("  Auth name:   %s\n", id.AuthName)
			fmt.Printf("  Certificate: %s\n", paths.Cert)
			if paths.CA == "" {
				fmt.Println("  CA:          not available")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Register again even if valid certificates exist")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Printf("Default configuration created at: %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enable {
				return errors.New("journal is disabled in config")
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDIR\tDEVICE\tTYPE\tDECISION\tCONTENT")
			for _, e := range entries {
				content := e.Content
				if r := []rune(content); len(r) > 60 {
					content = string(r[:60]) + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Direction, e.DeviceID, e.Type, e.Decision, content)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bitmesh version %s\n", Version)
		},
	}
}
