package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/pakedrop/internal/client"
	"github.com/postalsys/pakedrop/internal/handshake"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "PAKEDROP_PASSWORD"

// clientFlags are shared by every command that talks to a server.
type clientFlags struct {
	server     string
	password   string
	prompt     bool
	mode       string
	plaintext  bool
	chunkSize  string
	clientID   string
	transferID string
	quiet      bool
	logLevel   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.server, "server", "s", "http://localhost:8000", "Server URL")
	flags.StringVarP(&f.password, "password", "p", "", "Transfer password (or $"+passwordEnv+")")
	flags.BoolVar(&f.prompt, "prompt", false, "Read the password from the terminal")
	flags.StringVar(&f.mode, "mode", "asymmetric", "Key exchange mode: asymmetric or symmetric")
	flags.BoolVar(&f.plaintext, "plaintext", false, "Skip the key exchange (server must allow it)")
	flags.StringVar(&f.chunkSize, "chunk-size", "1MiB", "Transfer chunk size")
	flags.StringVar(&f.clientID, "client-id", "", "Presence client id to attribute uploads to")
	flags.StringVarP(&f.transferID, "transfer-id", "t", "", "Transfer id (random when empty)")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Suppress progress output")
	flags.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// resolvePassword applies --password, --prompt and the environment in that
// order.
func (f *clientFlags) resolvePassword() error {
	if f.password != "" {
		return nil
	}
	if f.prompt {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--prompt requires a terminal")
		}
		fmt.Fprint(os.Stderr, "Transfer password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		f.password = string(pw)
		return nil
	}
	f.password = os.Getenv(passwordEnv)
	return nil
}

func (f *clientFlags) newClient(transferring bool) (*client.Client, error) {
	if err := f.resolvePassword(); err != nil {
		return nil, err
	}
	mode, err := handshake.ParseMode(f.mode)
	if err != nil {
		return nil, err
	}
	chunk, err := humanize.ParseBytes(f.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk size %q: %w", f.chunkSize, err)
	}
	if f.transferID == "" {
		f.transferID = transfer.NewID()
	}
	if err := transfer.ValidateID(f.transferID); err != nil {
		return nil, err
	}
	if transferring && f.password == "" && !f.plaintext {
		fmt.Fprintln(os.Stderr, "Warning: no password set; the transfer id is the shared secret")
	}

	opts := client.Options{
		BaseURL:   f.server,
		Password:  f.password,
		Mode:      mode,
		Plaintext: f.plaintext,
		ChunkSize: int(chunk),
		ClientID:  f.clientID,
		Logger:    logging.NewLoggerWithWriter(f.logLevel, "text", os.Stderr),
	}
	if transferring && !f.quiet {
		opts.OnBytes = newProgressPrinter(os.Stderr)
	}
	return client.New(opts)
}

// newProgressPrinter returns a byte counter that redraws one status line at
// most ten times a second.
func newProgressPrinter(w io.Writer) func(done, total int64) {
	var last time.Time
	return func(done, total int64) {
		now := time.Now()
		finished := total > 0 && done >= total
		if !finished && now.Sub(last) < 100*time.Millisecond {
			return
		}
		last = now
		if total > 0 {
			fmt.Fprintf(w, "\r%s / %s (%d%%)   ", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)), done*100/total)
		} else {
			fmt.Fprintf(w, "\r%s   ", humanize.IBytes(uint64(done)))
		}
		if finished {
			fmt.Fprintln(w)
		}
	}
}

func uploadCmd() *cobra.Command {
	var (
		flags     clientFlags
		name      string
		signaling bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file",
		Long: `Upload a file to the server. The key exchange runs on the transfer's
signaling channel and the file is sent as encrypted frames over HTTP, or
over the signaling channel itself with --signaling.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}
			if st.IsDir() {
				return fmt.Errorf("%s is a directory", args[0])
			}
			if name == "" {
				name = filepath.Base(args[0])
			}

			c, err := flags.newClient(true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			req := client.UploadRequest{
				TransferID: flags.transferID,
				Filename:   name,
				Size:       st.Size(),
				Body:       f,
			}
			fmt.Fprintf(os.Stderr, "Transfer ID: %s\n", flags.transferID)

			if signaling {
				final, err := c.UploadSignaling(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", final.Message)
				return nil
			}

			info, err := c.Upload(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("Stored %s (%s, sha256 %s)\n", info.Name, humanize.IBytes(uint64(info.Size)), info.SHA256)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&name, "name", "n", "", "Name to store the file under (defaults to the base name)")
	cmd.Flags().BoolVar(&signaling, "signaling", false, "Send chunks over the signaling channel instead of HTTP")

	return cmd
}

func downloadCmd() *cobra.Command {
	var (
		flags  clientFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if output == "" {
				output = filepath.Base(name)
			}

			c, err := flags.newClient(true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			var dest io.Writer = os.Stdout
			var file *os.File
			if output != "-" {
				file, err = os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
				if err != nil {
					return err
				}
				dest = file
			}

			n, err := c.Download(ctx, client.DownloadRequest{
				TransferID: flags.transferID,
				Filename:   name,
				Dest:       dest,
			})
			if file != nil {
				if cerr := file.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					os.Remove(output)
				}
			}
			if err != nil {
				return err
			}
			if file != nil {
				fmt.Fprintf(os.Stderr, "Saved %s (%s)\n", output, humanize.IBytes(uint64(n)))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path, - for stdout (defaults to the file name)")

	return cmd
}

func cancelCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Cancel a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p, err := c.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			printProgress(p)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status <transfer-id>",
		Short: "Show the state of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			p, err := c.Status(ctx, args[0])
			if err != nil {
				return err
			}
			printProgress(p)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func printProgress(p protocol.Progress) {
	fmt.Printf("Transfer: %s\n", p.TransferID)
	fmt.Printf("State:    %s (%.1f%%)\n", p.State, p.Progress)
	if p.Message != "" {
		fmt.Printf("Message:  %s\n", p.Message)
	}
	if p.Error != "" {
		fmt.Printf("Error:    %s\n", p.Error)
	}
}

func filesCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List stored files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			files, err := c.Files(ctx)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No files stored.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tSTORED\tENCRYPTED")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", f.Name, humanize.IBytes(uint64(f.Size)), humanize.Time(f.StoredAt), f.Encrypted)
			}
			return tw.Flush()
		},
	}

	flags.register(cmd)
	return cmd
}

func presenceCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "presence <client-id>",
		Short: "Join the presence channel and print events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			return c.Presence(ctx, args[0], func(ev protocol.PresenceEvent) {
				switch ev.Type {
				case protocol.TypePing:
				case protocol.TypeConnectedUsers:
					fmt.Printf("Connected: %s\n", strings.Join(ev.Users, ", "))
				case protocol.TypeUserConnected:
					fmt.Printf("+ %s\n", ev.ClientID)
				case protocol.TypeUserDisconnected:
					fmt.Printf("- %s\n", ev.ClientID)
				case protocol.TypeUploadComplete:
					who := ev.ClientID
					if who == "" {
						who = "anonymous"
					}
					fmt.Printf("%s uploaded %s (%s)\n", who, ev.Filename, humanize.IBytes(uint64(ev.Size)))
				default:
					fmt.Printf("%s\n", ev.Type)
				}
			})
		},
	}

	flags.register(cmd)
	return cmd
}
