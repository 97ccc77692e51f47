package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/deferred"
	"github.com/Chichichkin/logshipper/internal/shipper"
)

var (
	levelFlag  string
	fieldsFlag map[string]string
)

func init() {
	pflags := SendCmd.Flags()

	pflags.StringVarP(&levelFlag, "level", "l", "info",
		"`LEVEL` of every entry: debug, info, warn or error")
	pflags.StringToStringVarP(&fieldsFlag, "field", "f", nil,
		"context field attached to every entry, as key=value")
}

var SendCmd = &cobra.Command{
	Use:   "send [messages]",
	Short: "Ship messages given as arguments or read line by line from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(levelFlag)
		if err != nil {
			return err
		}

		var in io.Reader
		// only read stdin when something is piped in
		if stat, err := os.Stdin.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
			in = os.Stdin
		}

		fields := logging.Context{}
		for k, v := range fieldsFlag {
			fields[k] = v
		}

		logger := log.New(os.Stderr, "", log.LstdFlags)
		l, closeShipper, err := newShipper(cmd.Context(), appConfig, fields, logger)
		if err != nil {
			return err
		}

		sent, failed := runSend(cmd.Context(), l, args, in, level)
		closeShipper()

		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, failed %d\n", sent, failed)
		if failed > 0 {
			return errors.Errorf("%d entries were not delivered", failed)
		}
		return nil
	},
}

// runSend logs every argument and every non-empty line of in, then waits for all of
// them to settle.
func runSend(ctx context.Context, l *shipper.Logger, args []string, in io.Reader, level logging.Level) (int, int) {
	if ctx == nil {
		ctx = context.Background()
	}

	var results []*deferred.Deferred[logging.LogEntry]
	for _, arg := range args {
		if arg == "" {
			continue
		}
		results = append(results, l.LogAsync(ctx, arg, level, nil))
	}

	if in != nil {
		scanner := bufio.NewScanner(in)
		scanner.Split(bufio.ScanLines)
		for scanner.Scan() {
			if text := scanner.Text(); text != "" {
				results = append(results, l.LogAsync(ctx, text, level, nil))
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Error reading input: %v", err)
		}
	}

	l.Flush()

	var sent, failed int
	for _, result := range results {
		if _, err := result.Wait(ctx); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}
