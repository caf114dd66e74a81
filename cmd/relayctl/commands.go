package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"goa.design/coderelay/runtime/provision"
	"goa.design/coderelay/runtime/relay"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

func newRootCmd(open opener) *cobra.Command {
	var (
		configPath string
		dev        bool
	)
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Administer a code interpreter relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "Use the in-memory remote backend")

	// withBackend opens the backend for the duration of fn.
	withBackend := func(fn func(cmd *cobra.Command, args []string, b *backend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context(), configPath, dev)
			if err != nil {
				return err
			}
			if b.close != nil {
				defer b.close(cmd.Context())
			}
			return fn(cmd, args, b)
		}
	}

	root.AddCommand(newAssistantCmd(withBackend))
	root.AddCommand(newSessionCmd(withBackend))
	root.AddCommand(newFileCmd(withBackend))
	return root
}

type backendRunner func(fn func(cmd *cobra.Command, args []string, b *backend) error) func(*cobra.Command, []string) error

func newAssistantCmd(with backendRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Inspect or re-provision the relay assistant",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report the stored assistant id and whether it exists remotely",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			st, err := provisioner(b).Check(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case st.StoredID == "":
				fmt.Fprintln(out, "no assistant id stored")
			case !st.Supported:
				fmt.Fprintf(out, "assistant %s (backend does not manage assistants)\n", st.StoredID)
			case st.LookupError != nil:
				fmt.Fprintf(out, "assistant %s not found remotely: %v\n", st.StoredID, st.LookupError)
			default:
				fmt.Fprintf(out, "assistant %s ok (name=%q model=%s)\n", st.StoredID, st.Assistant.Name, st.Assistant.Model)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recreate",
		Short: "Create a new assistant and store its id",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			id, err := provisioner(b).Recreate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	})
	return cmd
}

func newSessionCmd(with backendRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage remote sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a session and print its id",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			svc, err := service(b)
			if err != nil {
				return err
			}
			id, err := svc.CreateSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	})
	return cmd
}

func newFileCmd(with backendRunner) *cobra.Command {
	var (
		containerID string
		outPath     string
	)
	fetch := &cobra.Command{
		Use:   "fetch --container <id> <file_id>",
		Short: "Download a file generated by the code interpreter",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			svc, err := service(b)
			if err != nil {
				return err
			}
			f, err := svc.FetchFile(cmd.Context(), args[0], containerID)
			if err != nil {
				return err
			}
			path := outPath
			if path == "" {
				path = filepath.Base(f.Name)
			}
			if err := os.WriteFile(path, f.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes, %s)\n", path, len(f.Data), f.ContentType)
			return nil
		}),
	}
	fetch.Flags().StringVar(&containerID, "container", "", "Container that produced the file")
	fetch.Flags().StringVarP(&outPath, "output", "o", "", "Output path (defaults to the resolved file name)")
	_ = fetch.MarkFlagRequired("container")

	cmd := &cobra.Command{
		Use:   "file",
		Short: "Retrieve generated files",
	}
	cmd.AddCommand(fetch)
	return cmd
}

func provisioner(b *backend) *provision.Provisioner {
	return provision.New(b.store, b.client, provision.Options{
		Spec:   remote.AssistantSpec{Model: b.cfg.OpenAI.Model},
		Logger: telemetry.NewClueLogger(),
	})
}

func service(b *backend) (*relay.Service, error) {
	return relay.New(b.client, relay.Config{Model: b.cfg.OpenAI.Model}, relay.Options{
		Telemetry: telemetry.Bundle{Logger: telemetry.NewClueLogger()},
	})
}
