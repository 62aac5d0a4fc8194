package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/history"
	"github.com/dropbeam/dropbeam/internal/logger"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/transfer"
)

var (
	joinCode  string
	joinRelay string
	joinDir   string
	joinList  bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "join a hosted session and download its shared files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if joinCode == "" {
			return fmt.Errorf("--code is required")
		}
		log := logger.NewQuietLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ch, teardown, err := connectRelay(ctx, joinRelay, joinCode, log)
		if err != nil {
			return err
		}
		defer teardown()

		files, err := awaitFileList(ctx, ch)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("The host is not sharing any files.")
			return nil
		}
		if joinList {
			for _, f := range files {
				fmt.Printf("%s  %s\n", f.ID, f.Name)
			}
			return nil
		}

		if err := os.MkdirAll(joinDir, 0o755); err != nil {
			return err
		}
		store := openHistory(historyPath)
		base := httpBaseURL(joinRelay)
		for _, f := range files {
			if err := ch.Send(&protocol.FileRequest{FileID: f.ID}); err != nil {
				return err
			}
			ready, err := awaitFileReady(ctx, ch, f.ID)
			if err != nil {
				return err
			}
			dest := filepath.Join(joinDir, transfer.SanitizeFileName(ready.FileName))
			began := time.Now()
			size, dlErr := downloadTo(ctx, base+ready.DownloadURL, dest)
			recordHistory(store, history.Entry{
				FileName:  transfer.SanitizeFileName(ready.FileName),
				Size:      size,
				Direction: history.DirectionReceived,
				Peer:      joinCode,
				Succeeded: dlErr == nil,
				Error:     errString(dlErr),
				Duration:  time.Since(began).Milliseconds(),
			})
			if dlErr != nil {
				return dlErr
			}
			fmt.Printf("Saved %s\n", dest)
		}
		return nil
	},
}

// awaitFileList returns the host's share list. The relay pushes it right
// after auth when the host is sharing anything.
func awaitFileList(ctx context.Context, ch channel.Channel) ([]protocol.FileEntry, error) {
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg, ok := <-ch.Recv():
			if !ok {
				return nil, fmt.Errorf("connection closed while waiting for the file list")
			}
			switch m := msg.(type) {
			case *protocol.AvailableFiles:
				return m.Files, nil
			case *protocol.ErrorMessage:
				return nil, protocol.NewError(m.Code, m.Message)
			}
		}
	}
}

func awaitFileReady(ctx context.Context, ch channel.Channel, fileID string) (*protocol.FileReady, error) {
	timer := time.NewTimer(15 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, protocol.NewError(protocol.ErrTimeout, "timed out waiting for the download link")
		case msg, ok := <-ch.Recv():
			if !ok {
				return nil, fmt.Errorf("connection closed while requesting %s", fileID)
			}
			switch m := msg.(type) {
			case *protocol.FileReady:
				if m.FileID == fileID {
					return m, nil
				}
			case *protocol.ErrorMessage:
				return nil, protocol.NewError(m.Code, m.Message)
			}
		}
	}
}

// httpBaseURL turns the relay websocket URL into the HTTP origin serving
// downloads: ws://host:4180/ws -> http://host:4180.
func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func downloadTo(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("downloading %s: %s", url, resp.Status)
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, fmt.Errorf("saving %s: %w", dest, err)
	}
	return n, nil
}

func init() {
	joinCmd.Flags().StringVar(&joinCode, "code", "", "session code printed by the host")
	joinCmd.Flags().StringVar(&joinRelay, "relay", "ws://localhost:4180/ws", "relay websocket URL")
	joinCmd.Flags().StringVar(&joinDir, "dir", defaultDownloadDir(), "directory for downloaded files")
	joinCmd.Flags().BoolVar(&joinList, "list", false, "list shared files without downloading")
	joinCmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "transfer history database")
}
