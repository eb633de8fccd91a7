package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-relay/internal/config"
	"chat-relay/internal/history"
)

func newChatsCmd() *cobra.Command {
	var file, serverURL string

	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Inspect and manage the stored chat history",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "history file (overrides HISTORY_FILE_PATH)")

	open := func() (*history.Store, error) {
		path := file
		if path == "" {
			cfg, err := config.New()
			if err != nil {
				return nil, err
			}
			path = cfg.HistoryFilePath
		}
		return history.Open(path, zap.NewNop())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List chats, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, c := range store.ListChats() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.Title, len(c.Messages), c.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print the transcript of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			chat, ok := store.GetChat(args[0])
			if !ok {
				return errors.Wrap(history.ErrChatNotFound, args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%s)\n", chat.Title, chat.ID)
			for _, m := range chat.Messages {
				fmt.Fprintf(out, "\n[%s] %s\n%s\n", m.Role, m.Timestamp.Local().Format(time.DateTime), m.Content)
			}
			return nil
		},
	})

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a chat through the running server",
		Long: `Delete a chat by calling DELETE /api/chats/{id} on the running server, which
also disconnects sessions attached to it. The history file is edited directly
only when no server answers at --server; editing it while a server is up would
be undone by the server's next write.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			base := serverURL
			if base == "" {
				cfg, err := config.New()
				if err != nil {
					return err
				}
				base = baseURL(cfg.ListenAddr)
			}

			err := deleteRemote(cmd.Context(), base, id)
			if isUnreachable(err) {
				fmt.Fprintf(cmd.ErrOrStderr(), "server at %s not reachable, editing history file\n", base)
				err = deleteLocal(open, id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&serverURL, "server", "", "base URL of the running server (default derived from LISTEN_ADDR)")
	cmd.AddCommand(deleteCmd)

	return cmd
}

// baseURL turns a listen address such as ":8000" into a dialable URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func deleteRemote(ctx context.Context, base, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := strings.TrimRight(base, "/") + "/api/chats/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build delete request")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "delete chat")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errors.Wrap(history.ErrChatNotFound, id)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("delete chat: server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}

func deleteLocal(open func() (*history.Store, error), id string) error {
	store, err := open()
	if err != nil {
		return err
	}
	deleted, err := store.DeleteChat(id)
	if err != nil {
		return err
	}
	if !deleted {
		return errors.Wrap(history.ErrChatNotFound, id)
	}
	return nil
}

// isUnreachable reports whether err means nothing accepted the connection.
func isUnreachable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
